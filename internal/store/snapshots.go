package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/lox/riverwatch/internal/cache"
)

// SaveSnapshot replaces the stored snapshot with s. Unchanged entries are not
// rewritten; keys missing from s are deleted. It returns the number of rows
// written.
func (s *Store) SaveSnapshot(snap *cache.Snapshot) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := snapshotKeys(tx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	written := 0
	for key, blob := range snap.Blobs {
		compressed, err := compress(blob)
		if err != nil {
			return 0, fmt.Errorf("compress %q: %w", key, err)
		}
		hash := sha256.Sum256(blob)

		res, err := tx.Exec(`
			INSERT INTO cache_snapshots (key, payload_compressed, payload_hash, fetched_at, saved_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				payload_compressed = excluded.payload_compressed,
				payload_hash = excluded.payload_hash,
				fetched_at = excluded.fetched_at,
				saved_at = excluded.saved_at
			WHERE cache_snapshots.payload_hash != excluded.payload_hash
			   OR cache_snapshots.fetched_at != excluded.fetched_at
		`, key, compressed, hex.EncodeToString(hash[:]), snap.FetchedAt[key].UTC(), now)
		if err != nil {
			return 0, fmt.Errorf("save %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
		delete(existing, key)
	}

	for key := range existing {
		if _, err := tx.Exec(`DELETE FROM cache_snapshots WHERE key = ?`, key); err != nil {
			return 0, fmt.Errorf("delete %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	return written, nil
}

// LoadSnapshot returns every stored entry, decompressed.
func (s *Store) LoadSnapshot() (*cache.Snapshot, error) {
	rows, err := s.db.Query(`SELECT key, payload_compressed, fetched_at FROM cache_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	snap := cache.NewSnapshot()
	for rows.Next() {
		var (
			key        string
			compressed []byte
			fetchedAt  time.Time
		)
		if err := rows.Scan(&key, &compressed, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		blob, err := decompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("decompress %q: %w", key, err)
		}
		snap.Blobs[key] = blob
		snap.FetchedAt[key] = fetchedAt
	}
	return snap, rows.Err()
}

// PruneSnapshots deletes entries fetched before cutoff and returns how many
// were removed.
func (s *Store) PruneSnapshots(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_snapshots WHERE fetched_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type SnapshotStats struct {
	Entries         int
	SizeBytes       int64
	OldestFetchedAt time.Time
	NewestFetchedAt time.Time
}

func (s *Store) SnapshotStats() (*SnapshotStats, error) {
	var (
		stats          SnapshotStats
		oldest, newest sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(payload_compressed)), 0), MIN(fetched_at), MAX(fetched_at)
		FROM cache_snapshots
	`).Scan(&stats.Entries, &stats.SizeBytes, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestFetchedAt = parseDBTime(oldest.String)
	}
	if newest.Valid {
		stats.NewestFetchedAt = parseDBTime(newest.String)
	}
	return &stats, nil
}

func snapshotKeys(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT key FROM cache_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("list snapshot keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(b); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// parseDBTime reads a timestamp aggregated by SQLite, which comes back as
// text in the driver's write format.
func parseDBTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
