// Package lockmgr provides named, TTL-bounded advisory locks backed by
// exclusive file creation. No blocking or wait queues: callers implement
// their own retry and backoff.
package lockmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/fileutil"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/models"
)

// Manager acquires and releases advisory locks under the configured lock
// directory. The existence of a fresh record for a resource is the lock.
type Manager struct {
	dir        string
	defaultTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// NewManager creates a Manager rooted at the configured locks directory.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		dir:        cfg.LocksDir(),
		defaultTTL: cfg.Locks.DefaultTTL,
		logger:     logging.Component("lockmgr"),
		now:        time.Now,
	}
}

// Acquire takes the named lock for holder. A zero ttl uses the configured
// default. An expired record is silently reclaimed before contention is
// evaluated; a fresh record held by the same holder renews. A fresh record
// held by someone else fails with models.ErrContended.
func (m *Manager) Acquire(resource, holder string, ttl time.Duration) (*models.Lock, error) {
	resource, err := normalizeResource(resource)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(holder) == "" {
		return nil, fmt.Errorf("lock holder is required")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	lock := &models.Lock{
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: m.now().UTC(),
		TTL:        ttl,
	}

	// Two passes: the second runs after reclaiming an expired record. The
	// exclusive create is the linearization point, so a concurrent acquirer
	// that wins the race is observed as contention, never as a lost write.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := m.tryCreate(lock)
		if err != nil {
			return nil, err
		}
		if created {
			m.logger.Debug().Str("resource", resource).Str("holder", holder).
				Dur("ttl", ttl).Msg("lock acquired")
			return lock, nil
		}

		current, err := m.read(resource)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrCorrupt) {
				// Record vanished or is unreadable; retry the exclusive create.
				_ = os.Remove(m.path(resource))
				continue
			}
			return nil, err
		}

		if current.Fresh(m.now().UTC()) {
			if current.Holder == holder {
				// Renew: same holder re-acquires with a fresh TTL.
				if err := fileutil.WriteJSON(m.path(resource), lock); err != nil {
					return nil, fmt.Errorf("renew lock %s: %w", resource, err)
				}
				return lock, nil
			}
			return nil, fmt.Errorf("resource %s held by %s until %s: %w",
				resource, current.Holder, current.ExpiresAt().Format(time.RFC3339),
				models.ErrContended)
		}

		// Expired: reclaim and retry the exclusive create.
		m.logger.Info().Str("resource", resource).Str("stale_holder", current.Holder).
			Msg("reclaiming expired lock")
		if err := os.Remove(m.path(resource)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reclaim lock %s: %w", resource, err)
		}
	}

	return nil, fmt.Errorf("resource %s: %w", resource, models.ErrContended)
}

// Release removes the record only if called by its current holder. Releasing
// a lock held by someone else (or not held at all) is a no-op, so a slow
// process cannot release a lock another acquirer has reclaimed.
func (m *Manager) Release(resource, holder string) error {
	resource, err := normalizeResource(resource)
	if err != nil {
		return err
	}

	current, err := m.read(resource)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if errors.Is(err, models.ErrCorrupt) {
			return os.Remove(m.path(resource))
		}
		return err
	}
	if current.Holder != holder {
		m.logger.Warn().Str("resource", resource).Str("holder", holder).
			Str("current_holder", current.Holder).Msg("release ignored: not the holder")
		return nil
	}
	if err := os.Remove(m.path(resource)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", resource, err)
	}
	return nil
}

// IsHeld reports whether a fresh record exists, and by whom.
func (m *Manager) IsHeld(resource string) (bool, *models.Lock, error) {
	resource, err := normalizeResource(resource)
	if err != nil {
		return false, nil, err
	}
	current, err := m.read(resource)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrCorrupt) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if !current.Fresh(m.now().UTC()) {
		return false, current, nil
	}
	return true, current, nil
}

// List returns every lock record, fresh or expired.
func (m *Manager) List() ([]models.Lock, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read locks dir: %w", err)
	}
	var locks []models.Lock
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		lock, err := m.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		locks = append(locks, *lock)
	}
	return locks, nil
}

// tryCreate attempts the atomic create-if-absent. Returns false when a
// record already exists.
func (m *Manager) tryCreate(lock *models.Lock) (bool, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return false, fmt.Errorf("mkdir locks dir: %w", err)
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal lock: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(m.path(lock.Resource), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", lock.Resource, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(m.path(lock.Resource))
		return false, fmt.Errorf("write lock %s: %w", lock.Resource, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close lock %s: %w", lock.Resource, err)
	}
	return true, nil
}

func (m *Manager) read(resource string) (*models.Lock, error) {
	var lock models.Lock
	if err := fileutil.ReadJSON(m.path(resource), &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

func (m *Manager) path(resource string) string {
	return filepath.Join(m.dir, resource+".json")
}

func normalizeResource(resource string) (string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", models.ErrInvalidResourceName
	}
	// Resource names become file names.
	resource = strings.ReplaceAll(resource, string(filepath.Separator), "-")
	resource = strings.ReplaceAll(resource, ":", "-")
	return resource, nil
}
