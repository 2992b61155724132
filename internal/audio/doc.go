// Package audio converts inbound telephony frames into the PCM stream the recognizer consumes.
// It expands G.711 mu-law/A-law (and 8 kHz linear PCM) through lookup tables and
// upsamples to 16 kHz with a stateful linear interpolator owned by the session.
package audio
