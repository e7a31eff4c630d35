package schema

import (
	"fmt"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/rs/zerolog/log"
)

// Requirement is one positional input and the tags it may carry.
type Requirement struct {
	Name string
	Tags []codec.Tag
}

func Require(name string, tags ...codec.Tag) Requirement {
	return Requirement{Name: name, Tags: tags}
}

// Schema maps each declared message kind to its positional inputs.
type Schema map[message.Kind][]Requirement

type ValidationError struct {
	Kind   message.Kind
	Input  int
	Reason string
}

func (e ValidationError) Error() string {
	if e.Input < 0 {
		return fmt.Sprintf("schema: kind=%d: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%d input=%d: %s", e.Kind, e.Input, e.Reason)
}

// Declares reports whether kind is part of the schema.
func (s Schema) Declares(kind message.Kind) bool {
	_, ok := s[kind]
	return ok
}

// Validate enforces input count and input tags for a message kind.
// Trailing inputs beyond the requirements are ignored.
func (s Schema) Validate(kind message.Kind, inputs []codec.Value) error {
	reqs, ok := s[kind]
	if !ok {
		log.Debug().Int("kind", int(kind)).Msg("schema.Validate unknown kind")
		return ValidationError{Kind: kind, Input: -1, Reason: "unknown message kind"}
	}
	if len(inputs) < len(reqs) {
		log.Debug().Int("kind", int(kind)).Int("inputs", len(inputs)).Int("want", len(reqs)).Msg("schema.Validate missing inputs")
		return ValidationError{Kind: kind, Input: len(inputs), Reason: "missing required input"}
	}
	for i, req := range reqs {
		if len(req.Tags) == 0 || tagAllowed(inputs[i].Tag(), req.Tags) {
			continue
		}
		log.Debug().
			Int("kind", int(kind)).
			Int("input", i).
			Str("name", req.Name).
			Stringer("got", inputs[i].Tag()).
			Msg("schema.Validate type mismatch")
		return ValidationError{Kind: kind, Input: i, Reason: "type mismatch for " + req.Name}
	}
	return nil
}

func tagAllowed(tag codec.Tag, allowed []codec.Tag) bool {
	for _, t := range allowed {
		if t == tag {
			return true
		}
	}
	return false
}
