// sweep.go - Out-of-band note/file consistency sweep.
//
// The commit path guarantees row-and-file-together under any single fault.
// Double faults (commit succeeded but the compensating delete failed, or a
// blob was lost later) are outside its reach; this job is the backstop that
// finds and repairs them.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"time"
)

// SweepConfig holds configuration for the consistency sweep.
type SweepConfig struct {
	Enabled  bool
	Interval time.Duration
	// MinAge keeps the sweep away from rows young enough to still be inside
	// an in-flight commit.
	MinAge time.Duration
	DB     *sql.DB
	Blobs  BlobStore
}

// SweepConfigFromEnv reads sweep configuration from the environment.
func SweepConfigFromEnv(db *sql.DB, blobs BlobStore) SweepConfig {
	cfg := SweepConfig{
		Enabled:  os.Getenv("CN_SWEEP_ENABLED") == "true",
		Interval: time.Hour,
		MinAge:   24 * time.Hour,
		DB:       db,
		Blobs:    blobs,
	}
	if v := os.Getenv("CN_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Interval = d
		}
	}
	if v := os.Getenv("CN_SWEEP_MIN_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MinAge = d
		}
	}
	return cfg
}

// StartSweep runs the consistency sweep on a ticker until ctx is cancelled.
func StartSweep(ctx context.Context, cfg SweepConfig) {
	if !cfg.Enabled {
		log.Printf("service=sweep msg=%q", "disabled")
		return
	}

	log.Printf("service=sweep msg=%q interval=%s min_age=%s",
		"starting", cfg.Interval, cfg.MinAge)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	runSweep(ctx, cfg)

	for {
		select {
		case <-ctx.Done():
			log.Printf("service=sweep msg=%q", "shutting_down")
			return
		case <-ticker.C:
			runSweep(ctx, cfg)
		}
	}
}

// runSweep checks aged note rows for a matching blob. A row whose blob is
// gone violates the invariant: it is reported and then deleted, which restores
// row-and-file-together (as "neither").
func runSweep(ctx context.Context, cfg SweepConfig) {
	start := time.Now()
	cutoff := time.Now().Add(-cfg.MinAge)

	rows, err := cfg.DB.QueryContext(ctx, `
		SELECT id::text, created_at
		FROM notes
		WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT 500
	`, cutoff)
	if err != nil {
		log.Printf("service=sweep msg=%q err=%v", "query_failed", err)
		return
	}
	defer func() { _ = rows.Close() }()

	checked, repaired := 0, 0
	for rows.Next() {
		var (
			id        string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &createdAt); err != nil {
			log.Printf("service=sweep msg=%q err=%v", "scan_failed", err)
			continue
		}
		checked++

		err := cfg.Blobs.Stat(ctx, id+noteFileExt)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrBlobNotFound) {
			// Backend trouble, not a verdict on this note. Try again next run.
			log.Printf("service=sweep msg=%q id=%s err=%v", "stat_failed", id, err)
			continue
		}

		reportInconsistency("sweep", id, errors.New("note row exists but blob is missing"))
		if _, err := cfg.DB.ExecContext(ctx, `DELETE FROM notes WHERE id = $1`, id); err != nil {
			log.Printf("service=sweep msg=%q id=%s err=%v", "repair_failed", id, err)
			continue
		}
		repaired++
	}

	log.Printf("service=sweep msg=%q checked=%d repaired=%d duration_ms=%d",
		"sweep_complete", checked, repaired, time.Since(start).Milliseconds())
}
