package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomery/loom/id"
)

// AcquireScanLease attempts to take the scan lease using SET NX with a
// TTL. A scanner that already holds the lease re-acquires by extending
// the TTL.
func (s *Store) AcquireScanLease(ctx context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error) {
	sID := scannerID.String()

	ok, err := s.client.SetNX(ctx, scanLeaseKey, sID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("loom/redis: acquire scan lease setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	// Check if we already hold it.
	current, err := s.client.Get(ctx, scanLeaseKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("loom/redis: acquire scan lease get: %w", err)
	}
	if current == sID {
		if eErr := s.client.Expire(ctx, scanLeaseKey, ttl).Err(); eErr != nil {
			s.logger.Warn("failed to extend scan lease", "error", eErr)
		}
		return true, nil
	}

	return false, nil
}

// RenewScanLease extends the holder's lease.
func (s *Store) RenewScanLease(ctx context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error) {
	current, err := s.client.Get(ctx, scanLeaseKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil // no holder
		}
		return false, fmt.Errorf("loom/redis: renew scan lease get: %w", err)
	}
	if current != scannerID.String() {
		return false, nil // not the holder
	}

	if eErr := s.client.Expire(ctx, scanLeaseKey, ttl).Err(); eErr != nil {
		return false, fmt.Errorf("loom/redis: renew scan lease expire: %w", eErr)
	}
	return true, nil
}
