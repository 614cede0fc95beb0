// Package api serves the supervisor's HTTP interface.
//
// # Endpoints
//
//	POST /api/sessions/{id}/turns       submit a turn: {"text": "...", "actor_id": "..."}
//	GET  /api/sessions                  list sessions, most recently active first
//	GET  /api/sessions/{id}             a session with its turns
//	GET  /api/turns/{id}                one turn
//	GET  /api/turns/{id}/invocations    the tool invocation trail of a turn
//	GET  /api/tools                     registered tools
//
// A submitted turn answers {"turn_id", "session_id", "status", "response",
// "failures"} with status 200 whether the turn completed or failed; a failed
// turn's response is the user-facing failure message. Clients sending
// Accept: text/html receive the response rendered from markdown instead.
//
// # Idempotency
//
// A client may send an Idempotency-Key header. A retry carrying the same key
// for the same session replays the recorded turn instead of running it again;
// a retry arriving while the first request is still running gets 409.
//
// # Actors
//
// actor_id binds the session to a long-term memory namespace for that actor,
// so facts learned in one session are recalled in the actor's other sessions.
package api
