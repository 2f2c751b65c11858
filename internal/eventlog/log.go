// Package eventlog implements the append-only durable event log with
// per-consumer offsets, compaction, and a dead-letter queue.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/fileutil"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/models"
)

const logFileName = "events.log"

// Log is the durable event log. A single writer process appends; local
// consumers read through cursors. Sequence positions are monotonic and never
// reused.
type Log struct {
	dir     string
	maxAge  time.Duration
	maxSize int

	mu      sync.Mutex
	nextSeq int64

	// quarantined tracks raw lines already in the DLQ so a restartable
	// consumer does not dead-letter the same torn line on every pass.
	quarMu      sync.Mutex
	quarantined map[string]bool

	logger zerolog.Logger
	now    func() time.Time
}

// Open creates a Log rooted at the configured events directory and derives
// the next sequence position from the existing log tail.
func Open(cfg *config.Config) (*Log, error) {
	l := &Log{
		dir:     cfg.EventsDir(),
		maxAge:  cfg.Events.RetentionMaxAge,
		maxSize: cfg.Events.RetentionMaxCount,
		logger:  logging.Component("eventlog"),
		now:     time.Now,
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir events dir: %w", err)
	}

	lastSeq, err := l.scanLastSeq()
	if err != nil {
		return nil, err
	}
	l.nextSeq = lastSeq + 1
	return l, nil
}

// Publish appends one event. A publish failure is fatal to the caller: the
// log must never silently lose an event.
func (l *Log) Publish(eventType string, attrs map[string]string) (*models.Event, error) {
	if strings.TrimSpace(eventType) == "" {
		return nil, fmt.Errorf("event type is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev := &models.Event{
		Seq:       l.nextSeq,
		Timestamp: l.now().UTC(),
		Type:      eventType,
		Attrs:     attrs,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync event log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close event log: %w", err)
	}

	l.nextSeq++
	return ev, nil
}

// Cursor is a lazy, finite, restartable view of events strictly after a
// starting offset. A malformed record is quarantined via the dead-letter
// queue and the cursor continues, so the log is never stuck behind one bad
// line.
type Cursor struct {
	log  *Log
	file *os.File
	scan *bufio.Scanner
	from int64
}

// Consume opens a cursor over events with Seq > fromOffset.
func (l *Log) Consume(fromOffset int64) (*Cursor, error) {
	f, err := os.Open(l.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &Cursor{log: l, from: fromOffset}, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Cursor{log: l, file: f, scan: scan, from: fromOffset}, nil
}

// Next returns the next event, or (nil, nil) when the cursor is exhausted.
func (c *Cursor) Next() (*models.Event, error) {
	if c.scan == nil {
		return nil, nil
	}
	for c.scan.Scan() {
		line := strings.TrimSpace(c.scan.Text())
		if line == "" {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			if dlErr := c.log.deadLetterRaw(line, fmt.Sprintf("unparsable event: %v", err)); dlErr != nil {
				return nil, dlErr
			}
			continue
		}
		if ev.Seq <= c.from {
			continue
		}
		return &ev, nil
	}
	if err := c.scan.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return nil, nil
}

// Close releases the cursor's file handle.
func (c *Cursor) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

// CommitOffset persists a consumer's progress marker. Offsets only move
// forward; a regression is rejected.
func (l *Log) CommitOffset(consumerID string, offset int64) error {
	consumerID = strings.TrimSpace(consumerID)
	if consumerID == "" {
		return models.ErrInvalidConsumerID
	}
	if offset < 0 {
		return fmt.Errorf("offset must not be negative, got %d", offset)
	}

	path := l.offsetPath(consumerID)
	var current offsetRecord
	if err := fileutil.ReadJSON(path, &current); err == nil {
		if offset < current.Offset {
			return fmt.Errorf("offset for %s moves backwards: %d < %d",
				consumerID, offset, current.Offset)
		}
	}

	record := offsetRecord{
		Consumer:    consumerID,
		Offset:      offset,
		CommittedAt: l.now().UTC(),
	}
	if err := fileutil.WriteJSON(path, &record); err != nil {
		return fmt.Errorf("commit offset for %s: %w", consumerID, err)
	}
	return nil
}

// Offsets returns every tracked consumer offset.
func (l *Log) Offsets() (map[string]int64, error) {
	dir := filepath.Join(l.dir, "offsets")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("read offsets dir: %w", err)
	}

	offsets := make(map[string]int64, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var record offsetRecord
		if err := fileutil.ReadJSON(filepath.Join(dir, entry.Name()), &record); err != nil {
			l.logger.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable offset record")
			continue
		}
		offsets[record.Consumer] = record.Offset
	}
	return offsets, nil
}

// DeadLetter moves an unprocessable event out of the main path, recording
// the reason and the consumer that rejected it.
func (l *Log) DeadLetter(ev models.Event, reason, consumer string) error {
	dl := models.DeadLetter{
		Event:         ev,
		Reason:        reason,
		Consumer:      consumer,
		QuarantinedAt: l.now().UTC(),
	}
	return l.writeDeadLetter(dl)
}

// DeadLetters lists all quarantined entries.
func (l *Log) DeadLetters() ([]models.DeadLetter, error) {
	dir := filepath.Join(l.dir, "dlq")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dlq dir: %w", err)
	}

	var letters []models.DeadLetter
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var dl models.DeadLetter
		if err := fileutil.ReadJSON(filepath.Join(dir, entry.Name()), &dl); err != nil {
			continue
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

func (l *Log) deadLetterRaw(raw, reason string) error {
	l.quarMu.Lock()
	defer l.quarMu.Unlock()

	if l.quarantined == nil {
		l.quarantined = make(map[string]bool)
		letters, err := l.DeadLetters()
		if err != nil {
			return err
		}
		for _, dl := range letters {
			if dl.Raw != "" {
				l.quarantined[dl.Raw] = true
			}
		}
	}
	if l.quarantined[raw] {
		return nil
	}

	l.logger.Warn().Str("reason", reason).Msg("dead-lettering unparsable event")
	if err := l.writeDeadLetter(models.DeadLetter{
		Raw:           raw,
		Reason:        reason,
		QuarantinedAt: l.now().UTC(),
	}); err != nil {
		return err
	}
	l.quarantined[raw] = true
	return nil
}

func (l *Log) writeDeadLetter(dl models.DeadLetter) error {
	path := filepath.Join(l.dir, "dlq", uuid.NewString()+".json")
	if err := fileutil.WriteJSON(path, &dl); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

func (l *Log) logPath() string {
	return filepath.Join(l.dir, logFileName)
}

func (l *Log) offsetPath(consumerID string) string {
	return filepath.Join(l.dir, "offsets", consumerID+".json")
}

// scanLastSeq reads the log once to find the highest sequence position.
// A torn write from a crashed appender still claims its position: the seq
// field leads the record, so it usually survives the tear and must never be
// reassigned to a later event. Cursors quarantine the torn line on read.
func (l *Log) scanLastSeq() (int64, error) {
	f, err := os.Open(l.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var last int64
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scan.Scan() {
		var ev models.Event
		if err := json.Unmarshal(scan.Bytes(), &ev); err != nil {
			if seq, ok := salvageSeq(scan.Text()); ok && seq > last {
				last = seq
			}
			continue
		}
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	if err := scan.Err(); err != nil {
		return 0, fmt.Errorf("scan event log: %w", err)
	}
	return last, nil
}

// salvageSeq extracts the sequence position from a line that no longer
// parses as JSON.
func salvageSeq(line string) (int64, bool) {
	const key = `"seq":`
	idx := strings.Index(line, key)
	if idx == -1 {
		return 0, false
	}
	rest := strings.TrimLeft(line[idx+len(key):], " ")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

type offsetRecord struct {
	Consumer    string    `json:"consumer"`
	Offset      int64     `json:"offset"`
	CommittedAt time.Time `json:"committed_at"`
}
