// Package protocol defines the client-facing wire contract of the transcription
// WebSocket: the query parameters accepted on attach, the JSON transcript events
// sent to the client, and the close codes used when the server ends a session.
package protocol
