package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/danmuck/stepwise/internal/protocol/codec"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/danmuck/stepwise/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// consume processes one pending message and, when it moved the instance,
// replays the instance's remaining pending messages.
func (c *Coordinator) consume(ctx context.Context, key message.InstanceKey, receipt uuid.UUID) (Result, error) {
	res, err := c.processOne(ctx, key, receipt)
	if err == nil && res.Disposition == Transitioned {
		c.replay(ctx, key)
	}
	return res, err
}

// replay retries held messages of key in reception order until one pass
// makes no progress. The list is reloaded after every transition since the
// new state may accept messages that were skipped earlier. Messages never
// attempted are still on a worker queue and are left to it.
func (c *Coordinator) replay(ctx context.Context, key message.InstanceKey) {
	for {
		var pend []store.Pending
		err := store.View(ctx, c.deps.Store, func(tx store.Tx) error {
			var err error
			pend, err = tx.ListPending(key)
			return err
		})
		if err != nil {
			c.log.Warn().Err(err).Str("instance", key.String()).Msg("replay list failed")
			return
		}
		progressed := false
		for _, p := range pend {
			if p.Attempts == 0 {
				continue
			}
			res, err := c.processOne(ctx, key, p.Message.ReceiptID())
			if err != nil {
				return
			}
			if res.Disposition == Transitioned {
				progressed = true
				break
			}
			if res.Disposition == Cancelled {
				return
			}
		}
		if !progressed {
			return
		}
	}
}

// retryConflicts runs fn again while it fails with a unit-of-work conflict,
// at most MaxConflictRetries times.
func (c *Coordinator) retryConflicts(ctx context.Context, lg zerolog.Logger, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt >= c.cfg.MaxConflictRetries || ctx.Err() != nil {
			return err
		}
		lg.Debug().Int("attempt", attempt+1).Msg("unit of work conflict, retrying")
	}
}

// processOne runs tryProcess, retrying unit-of-work conflicts.
func (c *Coordinator) processOne(ctx context.Context, key message.InstanceKey, receipt uuid.UUID) (Result, error) {
	start := time.Now()
	var res Result
	err := c.retryConflicts(ctx, c.log.With().Str("instance", key.String()).Logger(), func() error {
		var err error
		res, err = c.tryProcess(ctx, key, receipt)
		return err
	})
	if err != nil {
		if !IsFault(err) {
			err = &StepFault{Key: key, Step: res.Step, Err: err}
		}
		res.Disposition, res.Reason = Faulted, err
		c.markAttempt(ctx, key, receipt)
	}
	name := ""
	if def, ok := c.deps.Protocols.Resolve(key.Protocol); ok {
		name = def.Name
	}
	c.report(EventProcessed, name, res, time.Since(start))
	return res, err
}

// markAttempt records a failed attempt so that the message is replayed on
// the instance's next transition.
func (c *Coordinator) markAttempt(ctx context.Context, key message.InstanceKey, receipt uuid.UUID) {
	err := store.Update(ctx, c.deps.Store, func(tx store.Tx) error {
		p, ok, err := tx.GetPending(key, receipt)
		if err != nil || !ok {
			return err
		}
		p.Attempts++
		return tx.PutPending(p)
	})
	if err != nil {
		c.log.Warn().Err(err).Str("instance", key.String()).Msg("record failed attempt")
	}
}

func (c *Coordinator) tryProcess(ctx context.Context, key message.InstanceKey, receipt uuid.UUID) (Result, error) {
	res := Result{Key: key}
	tx, err := c.deps.Store.Begin(ctx, true)
	if err != nil {
		return res, err
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()
	commit := func() error {
		done = true
		return tx.Commit()
	}

	p, ok, err := tx.GetPending(key, receipt)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Message.Routing.Owner = key.Owner
		res.Disposition, res.Reason = Discarded, ErrDuplicate
		return res, nil
	}
	msg := p.Message
	res.Message = msg

	// drop consumes the message without a transition.
	drop := func(d Disposition, reason error) (Result, error) {
		if err := tx.DeletePending(key, receipt); err != nil {
			return res, err
		}
		if err := tx.MarkProcessed(receipt, c.now()); err != nil {
			return res, err
		}
		if err := commit(); err != nil {
			return res, err
		}
		c.seen.Add(receipt, struct{}{})
		res.Disposition, res.Reason = d, reason
		return res, nil
	}

	def, ok := c.deps.Protocols.Resolve(key.Protocol)
	if !ok {
		return drop(Discarded, fmt.Errorf("%w: %d", ErrUnknownProtocol, key.Protocol))
	}

	inst, exists, err := tx.GetInstance(key)
	if err != nil {
		return res, err
	}
	state := Initial()
	if exists {
		state = State{ID: StateID(inst.StateID), Data: inst.StateData}
	}
	res.From, res.To = state.ID, state.ID
	if state.Terminal() {
		return drop(Discarded, ErrNoMatchingStep)
	}
	active, err := c.deps.Identity.IsActiveOwnedIdentity(ctx, key.Owner)
	if err != nil {
		return res, err
	}
	if !active {
		if exists {
			return drop(Rejected, fmt.Errorf("%w: %s", ErrInactiveOwner, key))
		}
		return drop(Discarded, ErrInactiveOwner)
	}

	step, err := def.Resolve(state, msg, c.deps.Channel.Validate)
	if err != nil {
		if errors.Is(err, ErrDecode) {
			return res, err
		}
		if def.Obsolete != nil && def.Obsolete(state, msg) {
			return drop(Discarded, fmt.Errorf("%w: %w", ErrObsolete, err))
		}
		p.Attempts++
		if err := tx.PutPending(p); err != nil {
			return res, err
		}
		if err := commit(); err != nil {
			return res, err
		}
		res.Disposition, res.Reason = Pending, err
		return res, nil
	}
	res.Step = step.Name

	sc := &StepContext{
		Key:      key,
		Owner:    msg.Routing.Owner,
		State:    state,
		Message:  msg,
		Identity: c.deps.Identity,
		Log: c.log.With().
			Str("protocol", def.Name).
			Str("instance", key.String()).
			Str("step", step.Name).
			Logger(),
		Now:       c.now(),
		tx:        tx,
		channel:   c.deps.Channel,
		protocols: c.deps.Protocols,
	}
	out, err := runStep(ctx, step, sc)
	if err != nil {
		return res, &StepFault{Key: key, Step: step.Name, Err: err}
	}
	if out.kind == 0 {
		return res, &StepFault{Key: key, Step: step.Name, Err: errors.New("step returned no outcome")}
	}

	next := out.state
	now := c.now()
	if !exists {
		inst = store.Instance{Key: key, Created: now}
	}
	inst.StateID = int(next.ID)
	inst.StateData = next.Data
	inst.Terminal = next.Terminal()
	inst.Updated = now
	if err := tx.PutInstance(inst); err != nil {
		return res, err
	}
	notified, err := c.fireLink(ctx, tx, key, next)
	if err != nil {
		return res, err
	}
	sc.sent = append(sc.sent, notified...)
	if err := tx.DeletePending(key, receipt); err != nil {
		return res, err
	}
	if err := tx.MarkProcessed(receipt, now); err != nil {
		return res, err
	}
	if next.Terminal() {
		if _, err := tx.PurgePending(key); err != nil {
			return res, err
		}
	}
	if err := commit(); err != nil {
		return res, err
	}

	c.seen.Add(receipt, struct{}{})
	if len(sc.sent) > 0 {
		c.flush()
	}
	res.To, res.Sent = next.ID, sc.sent
	if out.kind == outcomeCancel {
		res.Disposition = Cancelled
		res.Reason = fmt.Errorf("%w: %s", ErrCancelledByStep, out.reason)
	} else {
		res.Disposition = Transitioned
	}
	return res, nil
}

func runStep(ctx context.Context, st *Step, sc *StepContext) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			sc.Log.Error().Bytes("stack", debug.Stack()).Msg("step panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Run(ctx, sc)
}

func (c *Coordinator) cancelInstance(ctx context.Context, key message.InstanceKey, reason string) (Result, error) {
	res := Result{Key: key}
	name := ""
	if def, ok := c.deps.Protocols.Resolve(key.Protocol); ok {
		name = def.Name
	}
	err := store.Update(ctx, c.deps.Store, func(tx store.Tx) error {
		inst, ok, err := tx.GetInstance(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, key)
		}
		res.From, res.To = StateID(inst.StateID), StateID(inst.StateID)
		res.Message.Routing.Owner = inst.Key.Owner
		if inst.Terminal {
			res.Disposition, res.Reason = Discarded, ErrInstanceTerminal
			return nil
		}
		inst.StateID = int(StateCancelled)
		inst.StateData = codec.NewString(reason)
		inst.Terminal = true
		inst.Updated = c.now()
		if err := tx.PutInstance(inst); err != nil {
			return err
		}
		if _, err := tx.PurgePending(key); err != nil {
			return err
		}
		res.Sent, err = c.fireLink(ctx, tx, key, State{ID: StateCancelled, Data: inst.StateData})
		if err != nil {
			return err
		}
		res.To = StateCancelled
		res.Disposition = Cancelled
		return nil
	})
	if err != nil {
		return res, err
	}
	if len(res.Sent) > 0 {
		c.flush()
	}
	c.report(EventCancelled, name, res, 0)
	return res, nil
}

// fireLink posts the linked message to child's parent when next is the
// link's trigger state. The link is dropped once it fires or once the child
// ends in another state.
func (c *Coordinator) fireLink(ctx context.Context, tx store.Tx, child message.InstanceKey, next State) ([]message.Outgoing, error) {
	link, ok, err := tx.GetLink(child)
	if err != nil || !ok {
		return nil, err
	}
	if next.ID != StateID(link.Trigger) {
		if next.Terminal() {
			return nil, tx.DeleteLink(child)
		}
		return nil, nil
	}
	out := message.Outgoing{
		Message: message.New(link.Parent.Owner, link.Parent, link.Kind,
			codec.NewUID(child.Instance), codec.NewInt(int64(next.ID)), next.Data),
		Target: message.ToLocal(),
	}
	if err := c.deps.Channel.Post(ctx, tx, out); err != nil {
		return nil, fmt.Errorf("notify parent %s: %w", link.Parent, err)
	}
	if err := tx.DeleteLink(child); err != nil {
		return nil, err
	}
	return []message.Outgoing{out}, nil
}

func (c *Coordinator) pruneShard(ctx context.Context, shard int) (PruneStats, error) {
	var stats PruneStats
	now := c.now()
	plog := c.log.With().Int("shard", shard).Logger()
	err := c.retryConflicts(ctx, plog, func() error {
		return store.Update(ctx, c.deps.Store, func(tx store.Tx) error {
			stats = PruneStats{}
			return c.pruneTx(tx, shard, now, &stats)
		})
	})
	if err != nil {
		return PruneStats{}, err
	}
	if stats != (PruneStats{}) {
		plog.Info().Int("tombstones", stats.Tombstones).
			Int("pending", stats.Pending).Int("processed", stats.Processed).Msg("pruned")
		c.deps.Notifier.Notify(Event{Type: EventPruned, Result: Result{Disposition: Discarded}, At: now})
	}
	return stats, nil
}

func (c *Coordinator) pruneTx(tx store.Tx, shard int, now time.Time, stats *PruneStats) error {
	if c.cfg.TombstoneTTL > 0 {
		insts, err := tx.ListInstances()
		if err != nil {
			return err
		}
		cutoff := now.Add(-c.cfg.TombstoneTTL)
		for _, inst := range insts {
			if !inst.Terminal || c.shard(inst.Key.Owner) != shard || !inst.Updated.Before(cutoff) {
				continue
			}
			if err := tx.DeleteInstance(inst.Key); err != nil {
				return err
			}
			if _, err := tx.PurgePending(inst.Key); err != nil {
				return err
			}
			if err := tx.DeleteLink(inst.Key); err != nil {
				return err
			}
			stats.Tombstones++
		}
	}
	if c.cfg.PendingTTL > 0 {
		pend, err := tx.ListAllPending()
		if err != nil {
			return err
		}
		cutoff := now.Add(-c.cfg.PendingTTL)
		for _, p := range pend {
			if c.shard(p.Message.Routing.Owner) != shard || !p.StoredAt.Before(cutoff) {
				continue
			}
			receipt := p.Message.ReceiptID()
			if err := tx.DeletePending(p.Key(), receipt); err != nil {
				return err
			}
			if err := tx.MarkProcessed(receipt, now); err != nil {
				return err
			}
			stats.Pending++
		}
	}
	if shard == 0 && c.cfg.ProcessedTTL > 0 {
		n, err := tx.PruneProcessed(now.Add(-c.cfg.ProcessedTTL))
		if err != nil {
			return err
		}
		stats.Processed = n
	}
	return nil
}
