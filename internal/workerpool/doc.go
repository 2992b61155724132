// Package workerpool bounds CPU-heavy work (audio normalization and decoding)
// across all sessions with a fixed set of workers and a bounded queue.
package workerpool
