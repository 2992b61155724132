// Package recognizer defines the streaming speech recognizer contract used by session pipelines.
// A Recognizer is bound to one session for the lifetime of its connection: it accepts PCM16
// frames at 16 kHz and returns zero or more interim or final hypotheses per push. Endpointing
// is decided inside the decoder; callers only react to the IsFinal tag.
package recognizer
