// Package relay is the channel provider: outgoing messages are written to
// the durable outbox inside the step's unit of work and delivered after
// commit, as signed frames for remote identities or straight back into the
// coordinator for local and server-query targets.
package relay
