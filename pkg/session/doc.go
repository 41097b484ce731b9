/*
Package session implements session resolution, bounded history and per-session
serialization.

The Manager resolves a caller's session into the tagged domain.Session variant:
a Persisted session loaded from (or created in) the store, or an Ephemeral one
when the store cannot be reached. It serializes work on a session with a
reference-counted local mutex and, optionally, a distributed lock so that
commits for one session happen in arrival order across replicas.
*/
package session
