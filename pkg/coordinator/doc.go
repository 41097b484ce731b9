/*
Package coordinator runs one conversational turn end to end.

A turn moves through the phases

	ResolvingSession → Preprocessing → Dispatching → Streaming → Committing

and ends in exactly one of Done, Cancelled or Failed. Every turn yields a single
terminal domain.TurnResult, which is also delivered to the session's live
connection. Faults never escape as raw errors; they are classified into a small
fixed set of user-facing categories, and transient ones are retried with
exponential backoff.

Turns for one session are serialized through session.Manager, and a new turn
cancels whatever the session was still running through tasks.Registry.
*/
package coordinator
