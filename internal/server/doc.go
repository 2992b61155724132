// Package server implements the transcription WebSocket endpoint and the HTTP
// monitoring API. Each WebSocket connection drives one session pipeline: a read
// pump feeds binary audio frames in and a write pump sends transcript events out.
package server
