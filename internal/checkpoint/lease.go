package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PaimonControl/internal/fault"
)

// Singleton loops guarded by leases.
const (
	LeaseIngestor  = "ingestor"
	LeaseScheduler = "scheduler"
	LeaseEmergency = "emergency-driver"
)

type LeaseStore struct {
	db *sql.DB
}

func NewLeaseStore(db *sql.DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// TryAcquire takes the named lease if it is free, expired, or already ours.
func (s *LeaseStore) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	const q = `
		INSERT INTO control.leases (name, holder, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET holder      = EXCLUDED.holder,
		    expires_at  = EXCLUDED.expires_at,
		    acquired_at = NOW(),
		    updated_at  = NOW()
		WHERE control.leases.expires_at < NOW()
		   OR control.leases.holder = EXCLUDED.holder`

	res, err := s.db.ExecContext(ctx, q, name, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	return n > 0, nil
}

// Renew extends the lease if we still hold it.
func (s *LeaseStore) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	const q = `
		UPDATE control.leases
		SET expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE name = $1 AND holder = $2`

	res, err := s.db.ExecContext(ctx, q, name, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("renewing lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renewing lease %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *LeaseStore) Release(ctx context.Context, name, holder string) error {
	const q = `DELETE FROM control.leases WHERE name = $1 AND holder = $2`
	if _, err := s.db.ExecContext(ctx, q, name, holder); err != nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}

// Lease binds one holder identity to a named lock and keeps it renewed.
// Holders are unique per process so a restarted instance competes like any
// other candidate.
type Lease struct {
	store      *LeaseStore
	name       string
	holder     string
	ttl        time.Duration
	renewEvery time.Duration
	log        zerolog.Logger
}

func NewLease(store *LeaseStore, name string, renewEvery, ttl time.Duration, log zerolog.Logger) *Lease {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Lease{
		store:      store,
		name:       name,
		holder:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		ttl:        ttl,
		renewEvery: renewEvery,
		log:        log,
	}
}

func (l *Lease) Name() string   { return l.name }
func (l *Lease) Holder() string { return l.holder }

// Acquire makes a single attempt.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	return l.store.TryAcquire(ctx, l.name, l.holder, l.ttl)
}

// AcquireBlocking retries until the lease is ours or the context ends.
// Acquisition errors are retried too, so a database blip during startup
// does not kill the candidate.
func (l *Lease) AcquireBlocking(ctx context.Context, retryEvery time.Duration) error {
	for {
		ok, err := l.store.TryAcquire(ctx, l.name, l.holder, l.ttl)
		if err != nil {
			l.log.Warn().Err(err).Str("lease", l.name).Msg("lease acquire attempt failed")
		} else if ok {
			l.log.Info().Str("lease", l.name).Str("holder", l.holder).Msg("lease acquired")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryEvery):
		}
	}
}

// Keep renews until the context ends or the lease is lost. A renewal
// refused by the store means another holder took over: that is terminal
// and the owning loop must stop. Transient renew errors are tolerated
// until the TTL has elapsed without a successful renewal.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.store.Release(rctx, l.name, l.holder); err != nil {
				l.log.Warn().Err(err).Str("lease", l.name).Msg("lease release failed")
			}
			cancel()
			return ctx.Err()

		case <-ticker.C:
			ok, err := l.store.Renew(ctx, l.name, l.holder, l.ttl)
			if err != nil {
				if time.Since(lastRenewed) >= l.ttl {
					return fault.Newf(fault.KindLeaseLost, "checkpoint.Keep",
						"lease %s not renewed within ttl %s", l.name, l.ttl)
				}
				l.log.Warn().Err(err).Str("lease", l.name).Msg("lease renew failed, will retry")
				continue
			}
			if !ok {
				return fault.Newf(fault.KindLeaseLost, "checkpoint.Keep",
					"lease %s taken by another holder", l.name)
			}
			lastRenewed = time.Now()
		}
	}
}
