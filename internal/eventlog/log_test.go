package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Global.DataDir = t.TempDir()
	return cfg
}

func mustPublish(t *testing.T, l *Log, eventType string) *models.Event {
	t.Helper()
	ev, err := l.Publish(eventType, map[string]string{"run": "r1"})
	require.NoError(t, err)
	return ev
}

func collect(t *testing.T, l *Log, from int64) []models.Event {
	t.Helper()
	cursor, err := l.Consume(from)
	require.NoError(t, err)
	defer cursor.Close()

	var events []models.Event
	for {
		ev, err := cursor.Next()
		require.NoError(t, err)
		if ev == nil {
			return events
		}
		events = append(events, *ev)
	}
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	l, err := Open(testConfig(t))
	require.NoError(t, err)

	first := mustPublish(t, l, models.EventRunStarted)
	second := mustPublish(t, l, models.EventStageStarted)
	third := mustPublish(t, l, models.EventStagePassed)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, int64(3), third.Seq)
}

func TestPublishRejectsEmptyType(t *testing.T) {
	l, err := Open(testConfig(t))
	require.NoError(t, err)

	_, err = l.Publish("  ", nil)
	assert.Error(t, err)
}

func TestReopenContinuesSequence(t *testing.T) {
	cfg := testConfig(t)

	l, err := Open(cfg)
	require.NoError(t, err)
	mustPublish(t, l, models.EventRunStarted)
	mustPublish(t, l, models.EventStageStarted)

	// A second process opening the same log must not reuse positions.
	reopened, err := Open(cfg)
	require.NoError(t, err)
	ev := mustPublish(t, reopened, models.EventStagePassed)
	assert.Equal(t, int64(3), ev.Seq)
}

func TestConsumeFromOffset(t *testing.T) {
	l, err := Open(testConfig(t))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		mustPublish(t, l, models.EventIteration)
	}

	events := collect(t, l, 3)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)
	assert.Equal(t, int64(5), events[1].Seq)

	// Restartable: a fresh cursor over the same offset sees the same events.
	again := collect(t, l, 3)
	assert.Equal(t, events, again)
}

func TestConsumeEmptyLog(t *testing.T) {
	l, err := Open(testConfig(t))
	require.NoError(t, err)

	assert.Empty(t, collect(t, l, 0))
}

func TestCommitOffset(t *testing.T) {
	l, err := Open(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, l.CommitOffset("notifier", 3))
	require.NoError(t, l.CommitOffset("notifier", 7))
	require.NoError(t, l.CommitOffset("auditor", 2))

	offsets, err := l.Offsets()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"notifier": 7, "auditor": 2}, offsets)
}

func TestCommitOffsetRejectsRegression(t *testing.T) {
	l, err := Open(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, l.CommitOffset("notifier", 5))
	err = l.CommitOffset("notifier", 4)
	assert.Error(t, err)

	// Re-committing the same offset is an idempotent no-op.
	assert.NoError(t, l.CommitOffset("notifier", 5))
}

func TestCommitOffsetValidation(t *testing.T) {
	l, err := Open(testConfig(t))
	require.NoError(t, err)

	assert.ErrorIs(t, l.CommitOffset("", 1), models.ErrInvalidConsumerID)
	assert.Error(t, l.CommitOffset("notifier", -1))
}

func TestMalformedLineIsDeadLetteredAndSkipped(t *testing.T) {
	cfg := testConfig(t)
	l, err := Open(cfg)
	require.NoError(t, err)

	mustPublish(t, l, models.EventRunStarted)
	mustPublish(t, l, models.EventStageStarted)

	// Simulate an appender crashing mid-write: the line for seq 3 is torn.
	f, err := os.OpenFile(filepath.Join(cfg.EventsDir(), logFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"seq\": 3, \"type\": tr\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The restarted writer must not hand seq 3 to a new event: the torn
	// line still claims its position.
	l, err = Open(cfg)
	require.NoError(t, err)
	mustPublish(t, l, models.EventStagePassed)

	events := collect(t, l, 0)
	require.Len(t, events, 3)
	assert.Equal(t, int64(4), events[2].Seq)

	letters, err := l.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "unparsable")
	assert.Contains(t, letters[0].Raw, "\"seq\": 3")

	// A second read pass does not quarantine the same line again.
	collect(t, l, 0)
	letters, err = l.DeadLetters()
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestDeadLetterExplicit(t *testing.T) {
	l, err := Open(testConfig(t))
	require.NoError(t, err)

	ev := mustPublish(t, l, models.EventIteration)
	require.NoError(t, l.DeadLetter(*ev, "handler panicked", "notifier"))

	letters, err := l.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, ev.Seq, letters[0].Event.Seq)
	assert.Equal(t, "notifier", letters[0].Consumer)
	assert.Equal(t, "handler panicked", letters[0].Reason)

	// The original event stays in the main log.
	assert.Len(t, collect(t, l, 0), 1)
}
