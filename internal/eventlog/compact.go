package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stagehand-dev/stagehand/internal/fileutil"
	"github.com/stagehand-dev/stagehand/internal/models"
)

// Compact removes events that are older than the retention window and
// already behind every known consumer offset. An event is never dropped
// while any tracked offset still precedes it. When no consumer offsets are
// tracked, the age and count policies alone govern. The rewrite is atomic.
func (l *Log) Compact() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, rawKept, malformed, err := l.readAll()
	if err != nil {
		return 0, err
	}
	if len(events) == 0 && len(malformed) == 0 {
		return 0, nil
	}

	offsets, err := l.Offsets()
	if err != nil {
		return 0, err
	}
	minOffset := minTrackedOffset(offsets)
	hasConsumers := len(offsets) > 0

	var cutoff time.Time
	if l.maxAge > 0 {
		cutoff = l.now().UTC().Add(-l.maxAge)
	}

	behindEveryOffset := func(ev models.Event) bool {
		return !hasConsumers || ev.Seq <= minOffset
	}

	keep := make([]bool, len(events))
	kept := len(events)
	for i, ev := range events {
		keep[i] = true
		if l.maxAge > 0 && ev.Timestamp.Before(cutoff) && behindEveryOffset(ev) {
			keep[i] = false
			kept--
		}
	}

	// Count policy: drop the oldest eligible events beyond the cap.
	if l.maxSize > 0 && kept > l.maxSize {
		excess := kept - l.maxSize
		for i := range events {
			if excess == 0 {
				break
			}
			if !keep[i] {
				continue
			}
			if !behindEveryOffset(events[i]) {
				break // everything newer is still unconsumed
			}
			keep[i] = false
			kept--
			excess--
		}
	}

	removed := len(events) - kept
	if removed == 0 && len(malformed) == 0 {
		return 0, nil
	}

	// The rewrite drops torn lines from the log, so they must land in the
	// DLQ first. deadLetterRaw skips lines a cursor already quarantined.
	for _, line := range malformed {
		if err := l.deadLetterRaw(line, "unparsable event dropped by compaction"); err != nil {
			return 0, err
		}
	}

	var buf []byte
	for i := range events {
		if !keep[i] {
			continue
		}
		buf = append(buf, rawKept[i]...)
		buf = append(buf, '\n')
	}

	if err := fileutil.WriteAtomic(l.logPath(), buf); err != nil {
		return 0, fmt.Errorf("rewrite event log: %w", err)
	}

	l.logger.Info().Int("removed", removed).Int("kept", kept).Msg("event log compacted")
	return removed, nil
}

// Status summarizes the current log: record and byte counts, oldest/newest
// timestamps, and per-consumer lag against the newest sequence position.
type Status struct {
	Records   int              `json:"records"`
	SizeBytes int64            `json:"size_bytes"`
	Oldest    *time.Time       `json:"oldest,omitempty"`
	Newest    *time.Time       `json:"newest,omitempty"`
	NewestSeq int64            `json:"newest_seq"`
	Lag       map[string]int64 `json:"lag,omitempty"`
	DeadCount int              `json:"dead_letters"`
}

// Status reports the log's size, age bounds, and per-consumer lag.
func (l *Log) Status() (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, _, _, err := l.readAll()
	if err != nil {
		return nil, err
	}

	st := &Status{Records: len(events), Lag: map[string]int64{}}

	if info, err := os.Stat(l.logPath()); err == nil {
		st.SizeBytes = info.Size()
	}

	if len(events) > 0 {
		oldest := events[0].Timestamp
		newest := events[len(events)-1].Timestamp
		st.Oldest = &oldest
		st.Newest = &newest
		st.NewestSeq = events[len(events)-1].Seq
	}

	offsets, err := l.Offsets()
	if err != nil {
		return nil, err
	}
	for consumer, offset := range offsets {
		lag := st.NewestSeq - offset
		if lag < 0 {
			lag = 0
		}
		st.Lag[consumer] = lag
	}

	letters, err := l.DeadLetters()
	if err != nil {
		return nil, err
	}
	st.DeadCount = len(letters)

	return st, nil
}

// readAll loads every parsable event in append order along with its raw
// line, plus any lines that no longer parse.
func (l *Log) readAll() ([]models.Event, [][]byte, []string, error) {
	f, err := os.Open(l.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []models.Event
	var raw [][]byte
	var malformed []string
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scan.Scan() {
		line := scan.Bytes()
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
				malformed = append(malformed, trimmed)
			}
			continue
		}
		events = append(events, ev)
		raw = append(raw, append([]byte(nil), line...))
	}
	if err := scan.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, raw, malformed, nil
}

func minTrackedOffset(offsets map[string]int64) int64 {
	first := true
	var min int64
	for _, offset := range offsets {
		if first || offset < min {
			min = offset
			first = false
		}
	}
	return min
}
