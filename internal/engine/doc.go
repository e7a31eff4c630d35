// Package engine owns protocol step resolution and execution.
//
// Ownership boundary:
// - protocol definitions and the (state, kind) step table
// - step contexts and step outcomes
// - the coordinator: serialized per-owner queues, one unit of work per step,
//   durable pending messages, replay, cancellation and retention
// - collaborator contracts (identity, channel, notification)
//
// The engine never talks to the network. Outgoing messages are handed to the
// channel provider inside the step's unit of work.
package engine
