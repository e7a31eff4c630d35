package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/protocol/schema"
)

// StepFunc runs one transition. A non-nil error is a StepFault.
type StepFunc func(ctx context.Context, sc *StepContext) (Outcome, error)

// Step is one entry of a protocol's step table.
type Step struct {
	Name    string
	From    []StateID
	Accepts []message.Kind
	// Shape is the reception channel the message must have arrived on.
	Shape message.Shape
	// ShapeFor, when set, derives the shape from the current state, e.g. a
	// secure channel with the remote identity recorded in the state.
	ShapeFor func(State) (message.Shape, error)
	Run      StepFunc
}

func (s *Step) shape(state State) (message.Shape, error) {
	if s.ShapeFor != nil {
		return s.ShapeFor(state)
	}
	return s.Shape, nil
}

// ObsoleteFunc decides whether a message that fits no step can be dropped
// instead of being held pending.
type ObsoleteFunc func(state State, msg message.Message) bool

// Protocol declares a protocol's states, message kinds and steps.
type Protocol struct {
	ID       message.ProtocolID
	Name     string
	States   map[StateID]string
	Kinds    map[message.Kind]string
	Schema   schema.Schema
	Steps    []Step
	Obsolete ObsoleteFunc
}

type tableKey struct {
	state StateID
	kind  message.Kind
}

// Definition is a registered protocol with its compiled step table.
type Definition struct {
	Protocol
	table map[tableKey][]*Step
}

// ProtocolInfo is the listing shape of a registered protocol.
type ProtocolInfo struct {
	ID    message.ProtocolID `json:"id"`
	Name  string             `json:"name"`
	Kinds []string           `json:"kinds"`
	Steps []string           `json:"steps"`
}

func invalid(p Protocol, format string, args ...any) error {
	return fmt.Errorf("%w: protocol %d (%s): %s", ErrInvalidProtocol, p.ID, p.Name, fmt.Sprintf(format, args...))
}

// Compile validates p and builds its step table.
func Compile(p Protocol) (*Definition, error) {
	if p.ID <= 0 {
		return nil, invalid(p, "id must be positive")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, invalid(p, "name is required")
	}
	if len(p.Kinds) == 0 || len(p.Steps) == 0 {
		return nil, invalid(p, "kinds and steps are required")
	}
	for kind := range p.Schema {
		if _, ok := p.Kinds[kind]; !ok {
			return nil, invalid(p, "schema names undeclared kind %d", kind)
		}
	}

	def := &Definition{Protocol: p, table: make(map[tableKey][]*Step)}
	def.Steps = append([]Step(nil), p.Steps...)
	names := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		st := &def.Steps[i]
		switch {
		case strings.TrimSpace(st.Name) == "":
			return nil, invalid(p, "step %d has no name", i)
		case names[st.Name]:
			return nil, invalid(p, "duplicate step %q", st.Name)
		case st.Run == nil:
			return nil, invalid(p, "step %q has no run func", st.Name)
		case len(st.From) == 0 || len(st.Accepts) == 0:
			return nil, invalid(p, "step %q needs from states and accepted kinds", st.Name)
		}
		names[st.Name] = true
		for _, from := range st.From {
			if (State{ID: from}).Terminal() {
				return nil, invalid(p, "step %q fires from terminal state %d", st.Name, from)
			}
			for _, kind := range st.Accepts {
				if _, ok := p.Kinds[kind]; !ok {
					return nil, invalid(p, "step %q accepts undeclared kind %d", st.Name, kind)
				}
				k := tableKey{state: from, kind: kind}
				def.table[k] = append(def.table[k], st)
			}
		}
	}
	return def, nil
}

// Candidates returns the steps registered for (state, kind), in declaration
// order.
func (d *Definition) Candidates(state StateID, kind message.Kind) []*Step {
	return d.table[tableKey{state: state, kind: kind}]
}

// Resolve picks the first candidate step whose reception shape accepts the
// message provenance. accepts defaults to Shape.Accepts.
func (d *Definition) Resolve(state State, msg message.Message, accepts func(message.Shape, message.Provenance) bool) (*Step, error) {
	if accepts == nil {
		accepts = message.Shape.Accepts
	}
	cands := d.Candidates(state.ID, msg.Kind)
	if len(cands) == 0 {
		return nil, ErrNoMatchingStep
	}
	for _, st := range cands {
		shape, err := st.shape(state)
		if err != nil {
			return nil, fmt.Errorf("%w: step %s: %w", ErrDecode, st.Name, err)
		}
		if accepts(shape, msg.Routing.Provenance) {
			return st, nil
		}
	}
	return nil, ErrChannelMismatch
}

// Validate checks a message against the protocol's declared kinds and schema.
func (d *Definition) Validate(msg message.Message) error {
	if _, ok := d.Kinds[msg.Kind]; !ok {
		return fmt.Errorf("%w: %w: %d", ErrDecode, ErrUnknownKind, msg.Kind)
	}
	if d.Schema == nil || !d.Schema.Declares(msg.Kind) {
		return nil
	}
	if err := d.Schema.Validate(msg.Kind, msg.Inputs); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

func (d *Definition) KindName(kind message.Kind) string {
	if name, ok := d.Kinds[kind]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", kind)
}

func (d *Definition) StateName(id StateID) string {
	if name, ok := d.States[id]; ok {
		return name
	}
	return State{ID: id}.String()
}

func (d *Definition) Info() ProtocolInfo {
	info := ProtocolInfo{ID: d.ID, Name: d.Name}
	kinds := make([]int, 0, len(d.Kinds))
	for k := range d.Kinds {
		kinds = append(kinds, int(k))
	}
	sort.Ints(kinds)
	for _, k := range kinds {
		info.Kinds = append(info.Kinds, d.Kinds[message.Kind(k)])
	}
	for _, st := range d.Steps {
		info.Steps = append(info.Steps, st.Name)
	}
	return info
}

// Registry stores protocol definitions by id.
type Registry struct {
	mu    sync.RWMutex
	items map[message.ProtocolID]*Definition
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[message.ProtocolID]*Definition)}
}

func (r *Registry) Register(p Protocol) error {
	def, err := Compile(p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[p.ID]; ok {
		return fmt.Errorf("%w: %d", ErrProtocolExists, p.ID)
	}
	r.items[p.ID] = def
	return nil
}

func (r *Registry) Resolve(id message.ProtocolID) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.items[id]
	return def, ok
}

// List returns deterministic protocol ordering by id.
func (r *Registry) List() []ProtocolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]ProtocolInfo, 0, len(r.items))
	for _, def := range r.items {
		list = append(list, def.Info())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

// StateData decodes a state's payload with the codec typed registry.
func StateData[T any](s State) (T, error) {
	out, err := codec.As[T](s.Data)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("state %s: %w", s, err)
	}
	return out, nil
}
