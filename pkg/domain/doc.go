/*
Package domain contains the core models shared by every LexEdge component.

It defines sessions, messages, turn envelopes, streamed increments and the
fault taxonomy. This package is kept pure and free of I/O so that stores,
capabilities and transports can depend on it without cycles.

# Key Entities

  - Session: a conversation context, either Persisted or Ephemeral.
  - Message: an append-only record of one utterance inside a session.
  - Request: the normalized envelope handed to a capability.
  - Increment: one unit of streamed capability output.
  - Fault: a classified execution error with a fixed user-facing category.
*/
package domain
