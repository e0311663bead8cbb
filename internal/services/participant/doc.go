// Package participant runs one party's side of a session: it keeps a
// server-time estimate, joins the video room, reports presence, watches the
// grace and call deadlines, gates recording on both consents, and settles the
// call when it ends.
//
// A Coordinator owns all per-session state. Inputs (feed rows, ticks,
// transport events, user actions, call results) arrive on one channel and are
// folded by a pure step function into effects that the coordinator executes.
// The session server remains the authority for every transition; the
// coordinator only requests them and converges on the rows it observes.
package participant
