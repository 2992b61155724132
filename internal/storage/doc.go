// Package storage provides the hot and cold stores used by session pipelines.
// Cold data is the append-only segment log keyed by (session_id, segment_seq) with
// insert-if-absent semantics; hot data is the latest interim hypothesis per session
// with overwrite semantics. SQL (SQLite or MySQL) and Redis backends are provided,
// plus in-memory implementations for tests and single-process runs.
package storage
