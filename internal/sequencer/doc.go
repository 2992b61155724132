// Package sequencer turns recognizer hypotheses into ordered transcript events.
//
// A Sequencer owns the per-session segment counter. The counter starts one past
// the highest persisted segment, so a reconnecting client continues where the
// previous connection stopped. Partial hypotheses are tagged with the current
// counter and cached; final hypotheses are persisted idempotently, clear the
// cached partial and advance the counter.
package sequencer
