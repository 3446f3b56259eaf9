// Package audit records operator actions on the console in a tamper-evident,
// append-only JSON-lines file. Entries are SHA-256 hash-chained: each one
// carries a sequence number, a timestamp, the action record, the previous
// entry's hash (prev_hash) and the hash of its own content (event_hash).
//
// # Hash chain
//
// The event_hash for entry N is
//
//	SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// and the first entry uses GenesisHash as its prev_hash. Reopening an
// existing file re-verifies the whole chain before appending continues from
// its tail.
//
// Logger is safe for concurrent use.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single audit line.
const maxLine = 1 << 20

// Action names an operator action.
type Action string

const (
	ActionSessionCreated   Action = "session_created"
	ActionSessionClosed    Action = "session_closed"
	ActionEndpointSelected Action = "endpoint_selected"
	ActionEndpointCleared  Action = "endpoint_cleared"
	ActionListenerStarted  Action = "listener_started"
	ActionListenerStopped  Action = "listener_stopped"
)

// Record is the payload written for one operator action.
type Record struct {
	Action    Action `json:"action"`
	SessionID string `json:"session_id"`
	Endpoint  string `json:"endpoint,omitempty"`
	Monitor   string `json:"monitor,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// Entry is one verified line of the log.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// Record decodes the entry payload.
func (e Entry) Record() (Record, error) {
	var r Record
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return Record{}, fmt.Errorf("audit: decode payload at seq %d: %w", e.Seq, err)
	}
	return r, nil
}

// content is the hashed part of an entry.
type content struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// ErrChainBroken is wrapped by every verification failure.
var ErrChainBroken = errors.New("audit: chain broken")

// Logger appends hash-chained entries to a file. Create one with Open.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens (or creates) the log at path. An existing log is verified and
// the chain continues from its last entry.
func Open(path string) (*Logger, error) {
	prevHash, seq := GenesisHash, int64(0)

	f, err := os.Open(path)
	switch {
	case err == nil:
		entries, verr := readChain(f)
		f.Close()
		if verr != nil {
			return nil, fmt.Errorf("audit: reopen %q: %w", path, verr)
		}
		if n := len(entries); n > 0 {
			prevHash, seq = entries[n-1].EventHash, entries[n-1].Seq
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Logger{file: out, prevHash: prevHash, seq: seq, now: time.Now}, nil
}

// Record appends r as a new entry.
func (l *Logger) Record(r Record) (Entry, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Payload:   payload,
		PrevHash:  l.prevHash,
	}
	e.EventHash = hashEntry(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = e.Seq
	l.prevHash = e.EventHash
	return e, nil
}

// Close syncs and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path and checks the full chain. An empty file is
// valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()
	return readChain(f)
}

// readChain decodes and verifies every line of r.
func readChain(r io.Reader) ([]Entry, error) {
	var entries []Entry
	prevHash, wantSeq := GenesisHash, int64(1)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: malformed entry after seq %d: %v", ErrChainBroken, wantSeq-1, err)
		}
		if e.Seq != wantSeq {
			return nil, fmt.Errorf("%w: expected seq %d, got %d", ErrChainBroken, wantSeq, e.Seq)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("%w: prev_hash mismatch at seq %d", ErrChainBroken, e.Seq)
		}
		if computed := hashEntry(e); computed != e.EventHash {
			return nil, fmt.Errorf("%w: hash mismatch at seq %d: stored %q, computed %q",
				ErrChainBroken, e.Seq, e.EventHash, computed)
		}
		entries = append(entries, e)
		prevHash = e.EventHash
		wantSeq++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return entries, nil
}

func hashEntry(e Entry) string {
	raw, err := json.Marshal(content{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		// Every field of content is plain data.
		panic(fmt.Sprintf("audit: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
