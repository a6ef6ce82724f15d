package sqlite

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
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO loom_scan_lease (singleton, holder, expires_at)
		VALUES (1, ?, ?)
		ON CONFLICT (singleton) DO UPDATE
		SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE loom_scan_lease.expires_at <= ?
		   OR loom_scan_lease.holder = excluded.holder`,
		scannerID.String(), now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("loom/sqlite: acquire scan lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("loom/sqlite: acquire scan lease: %w", err)
	}
	return affected > 0, nil
}

// RenewScanLease extends the holder's lease.
func (s *Store) RenewScanLease(ctx context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE loom_scan_lease SET expires_at = ? WHERE holder = ?`,
		time.Now().UTC().Add(ttl), scannerID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("loom/sqlite: renew scan lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("loom/sqlite: renew scan lease: %w", err)
	}
	return affected > 0, nil
}
