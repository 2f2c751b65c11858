package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-dev/stagehand/internal/models"
)

func openAt(t *testing.T, base time.Time) *Log {
	t.Helper()
	l, err := Open(testConfig(t))
	require.NoError(t, err)
	l.now = func() time.Time { return base }
	return l
}

func TestCompactDropsOnlyExpired(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := openAt(t, base)
	l.maxAge = time.Hour
	l.maxSize = 0

	mustPublish(t, l, models.EventRunStarted)
	l.now = func() time.Time { return base.Add(30 * time.Minute) }
	mustPublish(t, l, models.EventStageStarted)

	// Compact two hours later: both events are past the window.
	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	removed, err := l.Compact()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, collect(t, l, 0))

	// Sequence positions are never reused after compaction.
	ev := mustPublish(t, l, models.EventStagePassed)
	assert.Equal(t, int64(3), ev.Seq)
}

func TestCompactKeepsEventsAheadOfConsumerOffset(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := openAt(t, base)
	l.maxAge = time.Nanosecond

	mustPublish(t, l, models.EventRunStarted)
	mustPublish(t, l, models.EventStageStarted)
	mustPublish(t, l, models.EventStagePassed)
	require.NoError(t, l.CommitOffset("notifier", 2))

	// Everything is age-expired, but seq 3 is still ahead of the slowest
	// consumer and must survive.
	l.now = func() time.Time { return base.Add(time.Hour) }
	removed, err := l.Compact()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	events := collect(t, l, 0)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Seq)
}

func TestCompactCountPolicy(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := openAt(t, base)
	l.maxAge = 0
	l.maxSize = 2

	for i := 0; i < 5; i++ {
		mustPublish(t, l, models.EventIteration)
	}

	removed, err := l.Compact()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	events := collect(t, l, 0)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)
	assert.Equal(t, int64(5), events[1].Seq)
}

func TestCompactCountPolicyStopsAtUnconsumed(t *testing.T) {
	l := openAt(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l.maxAge = 0
	l.maxSize = 1

	for i := 0; i < 4; i++ {
		mustPublish(t, l, models.EventIteration)
	}
	require.NoError(t, l.CommitOffset("auditor", 2))

	// Only seq 1 and 2 are behind the offset; the cap wants three gone but
	// the consumer protects 3 and 4.
	removed, err := l.Compact()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	events := collect(t, l, 0)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
}

func TestCompactNoopWhenNothingEligible(t *testing.T) {
	l := openAt(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l.maxAge = 24 * time.Hour
	l.maxSize = 100

	mustPublish(t, l, models.EventRunStarted)

	removed, err := l.Compact()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Len(t, collect(t, l, 0), 1)
}

func TestCompactQuarantinesMalformedLines(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := openAt(t, base)
	l.maxAge = time.Hour
	l.maxSize = 0

	mustPublish(t, l, models.EventRunStarted)
	mustPublish(t, l, models.EventStageStarted)

	f, err := os.OpenFile(filepath.Join(l.dir, logFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"seq\": 3, \"type\": tr\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The rewrite drops the torn line from the log, but it must survive in
	// the dead-letter queue rather than vanish.
	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	removed, err := l.Compact()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, collect(t, l, 0))

	letters, err := l.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Raw, "\"seq\": 3")
	assert.Contains(t, letters[0].Reason, "compaction")
}

func TestStatus(t *testing.T) {
	l := openAt(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	mustPublish(t, l, models.EventRunStarted)
	mustPublish(t, l, models.EventStageStarted)
	mustPublish(t, l, models.EventStagePassed)
	require.NoError(t, l.CommitOffset("notifier", 1))

	st, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Records)
	assert.Equal(t, int64(3), st.NewestSeq)
	assert.Equal(t, int64(2), st.Lag["notifier"])
	assert.Positive(t, st.SizeBytes)
	assert.Zero(t, st.DeadCount)
}
