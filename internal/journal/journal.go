// Package journal implements the append-only transaction journal: one
// JSON document per line, O_APPEND, fsync'd on every write, read back
// tail-first by seeking backward in 64 KiB chunks.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"btrsync/internal/model"
)

// Journal is a handle to one append-only transaction log file.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	seq  uint64
	path string
}

// Open opens (creating if necessary) the transaction log at path for
// appending.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening transaction journal %s: %w", path, err)
	}
	return &Journal{f: f, path: path}, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	return j.f.Close()
}

// NewCorrelationID returns a fresh correlation ID for a run, using
// google/uuid the way the rest of the pack mints opaque run identifiers.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Append writes one journal entry, filling in TimestampUTC and Sequence,
// and fsyncs before returning — durability over throughput.
func (j *Journal) Append(entry model.JournalEntry) error {
	entry.TimestampUTC = time.Now().UTC()
	entry.Sequence = atomic.AddUint64(&j.seq, 1)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return j.f.Sync()
}

// Record is a convenience wrapper: it appends a "started" entry, runs fn,
// and appends the terminal entry (completed/failed/partial) fn produces.
// A Sequence is assigned only once an entry is actually appended; callers
// never construct one themselves.
func (j *Journal) Record(action model.JournalAction, volume, dest, correlationID string, fn func() (model.JournalStatus, model.TransferOutcome, error)) error {
	if err := j.Append(model.JournalEntry{
		Action:        action,
		Status:        model.StatusStarted,
		Volume:        volume,
		Destination:   dest,
		CorrelationID: correlationID,
	}); err != nil {
		return err
	}

	status, summary, runErr := fn()

	entry := model.JournalEntry{
		Action:        action,
		Status:        status,
		Volume:        volume,
		Destination:   dest,
		CorrelationID: correlationID,
		BytesTransfer: summary.BytesTransfered,
		DurationMS:    summary.Duration.Milliseconds(),
	}
	if runErr != nil {
		entry.ErrorDetail = runErr.Error()
		if me, ok := errorAsModel(runErr); ok {
			entry.ErrorKind = string(me.Kind)
		}
	} else if summary.Downgraded {
		// A downgrade with no error is exactly the "sent full instead of the
		// requested incremental" case — the only reason a TransferOutcome is
		// ever marked Downgraded today.
		entry.Reason = model.ReasonParentMissing
	}
	if appendErr := j.Append(entry); appendErr != nil {
		return appendErr
	}
	return runErr
}

func errorAsModel(err error) (*model.Error, bool) {
	me, ok := err.(*model.Error)
	return me, ok
}

// TailN returns the last n entries in chronological order, reading the file
// backward in 64 KiB chunks so a large journal does not need to be read in
// full to serve a tail request.
func TailN(path string, n int) ([]model.JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transaction journal %s: %w", path, err)
	}
	defer f.Close()

	lines, err := tailLines(f, n)
	if err != nil {
		return nil, err
	}

	entries := make([]model.JournalEntry, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var e model.JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parsing journal line: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

const chunkSize = 64 * 1024

// tailLines reads the last n newline-delimited lines of f by seeking
// backward in fixed-size chunks until enough newlines have been observed or
// the start of the file is reached.
func tailLines(f *os.File, n int) ([][]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 || n <= 0 {
		return nil, nil
	}

	var (
		pos       = size
		buf       []byte
		newlines  int
	)
	for pos > 0 && newlines <= n {
		readSize := int64(chunkSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize

		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return nil, err
		}
		for _, b := range chunk {
			if b == '\n' {
				newlines++
			}
		}
		buf = append(chunk, buf...)
	}

	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var all [][]byte
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		all = append(all, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
