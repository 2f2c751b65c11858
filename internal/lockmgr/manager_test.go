package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/models"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Global.DataDir = t.TempDir()
	return NewManager(cfg)
}

func TestAcquireAndRelease(t *testing.T) {
	m := testManager(t)

	lock, err := m.Acquire("branch:main", "agent-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "branch-main", lock.Resource)
	assert.Equal(t, "agent-1", lock.Holder)
	assert.Equal(t, time.Minute, lock.TTL)

	held, current, err := m.IsHeld("branch:main")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "agent-1", current.Holder)

	require.NoError(t, m.Release("branch:main", "agent-1"))

	held, _, err = m.IsHeld("branch:main")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquireContended(t *testing.T) {
	m := testManager(t)

	_, err := m.Acquire("repo", "agent-1", time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire("repo", "agent-2", time.Minute)
	require.ErrorIs(t, err, models.ErrContended)
	// The failure names the current holder so the caller can act on it.
	assert.Contains(t, err.Error(), "agent-1")
}

func TestAcquireRenewsForSameHolder(t *testing.T) {
	m := testManager(t)

	first, err := m.Acquire("repo", "agent-1", time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return first.AcquiredAt.Add(30 * time.Second) }
	renewed, err := m.Acquire("repo", "agent-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt().After(first.ExpiresAt()))
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	m := testManager(t)

	first, err := m.Acquire("repo", "crashed-agent", time.Minute)
	require.NoError(t, err)

	// Holder died; its TTL lapses and the next acquirer reclaims.
	m.now = func() time.Time { return first.AcquiredAt.Add(2 * time.Minute) }
	lock, err := m.Acquire("repo", "agent-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "agent-2", lock.Holder)
}

func TestAcquireDefaultTTL(t *testing.T) {
	m := testManager(t)
	m.defaultTTL = 90 * time.Second

	lock, err := m.Acquire("repo", "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, lock.TTL)
}

func TestAcquireValidation(t *testing.T) {
	m := testManager(t)

	_, err := m.Acquire("  ", "agent-1", time.Minute)
	assert.ErrorIs(t, err, models.ErrInvalidResourceName)

	_, err = m.Acquire("repo", "", time.Minute)
	assert.Error(t, err)
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	m := testManager(t)

	_, err := m.Acquire("repo", "agent-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Release("repo", "agent-2"))

	held, current, err := m.IsHeld("repo")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "agent-1", current.Holder)
}

func TestReleaseMissingLockIsNoop(t *testing.T) {
	m := testManager(t)
	assert.NoError(t, m.Release("never-held", "agent-1"))
}

func TestIsHeldExpired(t *testing.T) {
	m := testManager(t)

	first, err := m.Acquire("repo", "agent-1", time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return first.AcquiredAt.Add(5 * time.Minute) }
	held, current, err := m.IsHeld("repo")
	require.NoError(t, err)
	assert.False(t, held)
	// The stale record is still reported for inspection.
	require.NotNil(t, current)
	assert.Equal(t, "agent-1", current.Holder)
}

func TestList(t *testing.T) {
	m := testManager(t)

	locks, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, locks)

	_, err = m.Acquire("repo", "agent-1", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire("branch:main", "agent-2", time.Minute)
	require.NoError(t, err)

	locks, err = m.List()
	require.NoError(t, err)
	assert.Len(t, locks, 2)
}
