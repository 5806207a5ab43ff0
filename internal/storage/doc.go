// Package storage persists the quota counters, the queue item journal, the
// event audit log and notification dedup windows.
//
// Drivers: memory, file (JSON snapshot + JSONL journal), sqlite (modernc),
// postgres (pgx) and redis (go-redis). All implement Store.
package storage
