/*
Package ports defines the driven ports (interfaces) of the LexEdge core.

These interfaces decouple the execution coordinator from storage backends,
language-model vendors, real-time transports and document extractors.

# Key Interfaces

  - SessionStore: durable CRUD over sessions and messages with quota enforcement.
  - Capability: an external unit of work producing a stream of increments.
  - Channel: one live real-time connection to a client.
  - Extractor: turns attachment bytes into text the model can read.
  - DistributedLocker: cross-replica serialization of a session.
*/
package ports
