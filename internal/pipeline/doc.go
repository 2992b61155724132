// Package pipeline binds one client connection to one transcription session.
//
// A Pipeline owns the session's normalizer, recognizer and sequencer and moves
// through Attaching, Active, Draining and Detached. Frames are processed one at
// a time on the shared worker pool so segment numbers follow arrival order.
// The Manager keeps at most one active Pipeline per session id, applies the
// configured conflict policy and drains pipelines that stop receiving audio.
package pipeline
