package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/loomery/loom/id"
)

// AcquireScanLease attempts to take the scan lease. The lease is a
// singleton row; the upsert only steals it when expired or already held
// by the same scanner.
func (s *Store) AcquireScanLease(ctx context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error) {
	res, err := s.db.NewRaw(`
		INSERT INTO loom_scan_lease (singleton, holder, expires_at)
		VALUES (TRUE, ?0, ?1)
		ON CONFLICT (singleton) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE loom_scan_lease.expires_at <= NOW()
		   OR loom_scan_lease.holder = EXCLUDED.holder`,
		scannerID.String(), time.Now().UTC().Add(ttl),
	).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("loom/bun: acquire scan lease: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// RenewScanLease extends the holder's lease.
func (s *Store) RenewScanLease(ctx context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error) {
	res, err := s.db.NewRaw(
		`UPDATE loom_scan_lease SET expires_at = ?1 WHERE holder = ?0`,
		scannerID.String(), time.Now().UTC().Add(ttl),
	).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("loom/bun: renew scan lease: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}
