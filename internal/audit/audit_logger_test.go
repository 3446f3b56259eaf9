package audit_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/console/internal/audit"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func tmpLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "audit.log")
}

// openLogger opens the audit log and registers a cleanup to close it.
func openLogger(t *testing.T, path string) *audit.Logger {
	t.Helper()
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustRecord(t *testing.T, l *audit.Logger, r audit.Record) audit.Entry {
	t.Helper()
	e, err := l.Record(r)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return e
}

func selected(session, endpoint string) audit.Record {
	return audit.Record{Action: audit.ActionEndpointSelected, SessionID: session, Endpoint: endpoint}
}

// --------------------------------------------------------------------------
// Recording
// --------------------------------------------------------------------------

func TestRecord_FirstEntryLinksToGenesis(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e := mustRecord(t, l, selected("s1", "http://m1"))

	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
	if e.PrevHash != audit.GenesisHash {
		t.Errorf("prev_hash = %q, want genesis hash", e.PrevHash)
	}
	if len(e.EventHash) != 64 {
		t.Errorf("event_hash length = %d, want 64", len(e.EventHash))
	}

	r, err := e.Record()
	if err != nil {
		t.Fatalf("Entry.Record: %v", err)
	}
	if r.Action != audit.ActionEndpointSelected || r.Endpoint != "http://m1" {
		t.Errorf("record = %+v", r)
	}
}

func TestRecord_Chain(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e1 := mustRecord(t, l, selected("s1", "http://m1"))
	e2 := mustRecord(t, l, audit.Record{Action: audit.ActionListenerStarted, SessionID: "s1"})
	e3 := mustRecord(t, l, audit.Record{Action: audit.ActionListenerStopped, SessionID: "s1"})

	if e2.PrevHash != e1.EventHash || e3.PrevHash != e2.EventHash {
		t.Error("entries are not linked by prev_hash")
	}
	if e3.Seq != 3 {
		t.Errorf("seq = %d, want 3", e3.Seq)
	}
}

func TestRecord_HashMatchesManualComputation(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e := mustRecord(t, l, selected("s1", "http://m1"))

	c := struct {
		Seq       int64           `json:"seq"`
		Timestamp time.Time       `json:"ts"`
		Payload   json.RawMessage `json:"payload"`
		PrevHash  string          `json:"prev_hash"`
	}{e.Seq, e.Timestamp, e.Payload, e.PrevHash}
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sum := sha256.Sum256(raw)
	if want := hex.EncodeToString(sum[:]); e.EventHash != want {
		t.Errorf("event_hash = %q, want %q", e.EventHash, want)
	}
}

func TestRecord_OmitsEmptyFields(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e := mustRecord(t, l, audit.Record{Action: audit.ActionEndpointCleared, SessionID: "s1"})

	if strings.Contains(string(e.Payload), "endpoint\"") || strings.Contains(string(e.Payload), "monitor") {
		t.Errorf("payload = %s, want empty fields omitted", e.Payload)
	}
}

func TestOpen_ResumeExistingChain(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)
	last := mustRecord(t, l, selected("s1", "http://m1"))
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2 := openLogger(t, path)
	next := mustRecord(t, l2, audit.Record{Action: audit.ActionSessionClosed, SessionID: "s1"})
	if next.Seq != 2 {
		t.Errorf("seq after reopen = %d, want 2", next.Seq)
	}
	if next.PrevHash != last.EventHash {
		t.Error("reopened logger does not continue the chain")
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2", len(entries))
	}
}

// --------------------------------------------------------------------------
// Verification
// --------------------------------------------------------------------------

func TestVerify_EmptyFile(t *testing.T) {
	path := tmpLog(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify(empty): %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0", len(entries))
	}
}

func TestVerify_MissingFile(t *testing.T) {
	if _, err := audit.Verify(tmpLog(t)); err == nil {
		t.Fatal("Verify on a missing file returned nil error")
	}
}

func writeChain(t *testing.T, n int) string {
	t.Helper()
	path := tmpLog(t)
	l, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		mustRecord(t, l, selected("s1", "http://m"+string(rune('0'+i))))
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func rewrite(t *testing.T, path string, edit func(string) string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(edit(string(data))), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestVerify_DetectsModifiedPayload(t *testing.T) {
	path := writeChain(t, 2)
	rewrite(t, path, func(s string) string {
		return strings.Replace(s, "http://m0", "http://evil", 1)
	})

	_, err := audit.Verify(path)
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("Verify err = %v, want ErrChainBroken", err)
	}
}

func TestVerify_DetectsDeletedEntry(t *testing.T) {
	path := writeChain(t, 3)
	rewrite(t, path, func(s string) string {
		return s[strings.Index(s, "\n")+1:]
	})

	_, err := audit.Verify(path)
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("Verify err = %v, want ErrChainBroken", err)
	}
}

func TestVerify_DetectsReorderedEntries(t *testing.T) {
	path := writeChain(t, 2)
	rewrite(t, path, func(s string) string {
		lines := strings.SplitAfter(s, "\n")
		return lines[1] + lines[0]
	})

	_, err := audit.Verify(path)
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("Verify err = %v, want ErrChainBroken", err)
	}
}

func TestVerify_DetectsGarbageLine(t *testing.T) {
	path := writeChain(t, 1)
	rewrite(t, path, func(s string) string { return s + "not json\n" })

	_, err := audit.Verify(path)
	if !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("Verify err = %v, want ErrChainBroken", err)
	}
}

func TestOpen_RejectsCorruptedLog(t *testing.T) {
	path := writeChain(t, 2)
	rewrite(t, path, func(s string) string {
		return strings.Replace(s, "endpoint_selected", "listener_started", 1)
	})

	if _, err := audit.Open(path); !errors.Is(err, audit.ErrChainBroken) {
		t.Fatalf("Open err = %v, want ErrChainBroken", err)
	}
}

func TestRecord_ConcurrentSafe(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Record(audit.Record{Action: audit.ActionListenerStarted, SessionID: "s"}); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != n {
		t.Errorf("len(entries) = %d, want %d", len(entries), n)
	}
}
