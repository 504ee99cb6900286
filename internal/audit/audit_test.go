package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func runEvent(pipeline, runID string, checksums map[string]string) *Event {
	tables := make(map[string]TableInfo, len(checksums))
	for name, sum := range checksums {
		tables[name] = TableInfo{Checksum: sum, RowCount: 10, ByteSize: 1234, StoragePath: pipeline + "/" + name + ".parquet"}
	}
	return &Event{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Run:       RunInfo{Pipeline: pipeline, RunID: runID, Status: "SUCCEEDED", RecordsExtracted: 10, QualityScore: 1},
		Tables:    tables,
		Producer:  ProducerInfo{Name: "etl", Version: "test"},
	}
}

func TestComputeEventHash(t *testing.T) {
	evt := runEvent("crypto.coingecko_markets", "ETL-1", map[string]string{"dim_coin": "abc123"})
	evt.SetChainHashes("")

	if !strings.HasPrefix(evt.Chain.EventHash, "sha256:") {
		t.Fatalf("EventHash should start with 'sha256:', got: %s", evt.Chain.EventHash)
	}
	if evt.Chain.PrevEventHash != "" {
		t.Fatalf("PrevEventHash should be empty for first in chain, got: %s", evt.Chain.PrevEventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	e1 := runEvent("p", "ETL-1", map[string]string{"a": "aaa", "b": "bbb"})
	e2 := runEvent("p", "ETL-1", map[string]string{"a": "aaa", "b": "bbb"})
	e1.SetChainHashes("prev")
	e2.SetChainHashes("prev")
	if e1.Chain.EventHash != e2.Chain.EventHash {
		t.Fatalf("identical events hashed differently: %s vs %s", e1.Chain.EventHash, e2.Chain.EventHash)
	}

	e3 := runEvent("p", "ETL-1", map[string]string{"a": "aaa", "b": "bbb"})
	e3.SetChainHashes("other")
	if e1.Chain.EventHash == e3.Chain.EventHash {
		t.Fatal("different prev hash should change the event hash")
	}

	e4 := runEvent("p", "ETL-1", map[string]string{"a": "aaa", "b": "tampered"})
	e4.SetChainHashes("prev")
	if e1.Chain.EventHash == e4.Chain.EventHash {
		t.Fatal("different checksum should change the event hash")
	}
}

func TestFileEmitterChainsPerPipeline(t *testing.T) {
	dir := t.TempDir()
	em, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter: %v", err)
	}
	ctx := context.Background()

	first := runEvent("p", "ETL-1", map[string]string{"dim": "x"})
	second := runEvent("p", "ETL-2", map[string]string{"dim": "y"})
	other := runEvent("q", "ETL-3", map[string]string{"dim": "z"})
	for _, evt := range []*Event{first, second, other} {
		if err := em.Emit(ctx, evt); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	if first.Chain.PrevEventHash != "" {
		t.Fatalf("first event should start the chain, prev=%s", first.Chain.PrevEventHash)
	}
	if second.Chain.PrevEventHash != first.Chain.EventHash {
		t.Fatalf("second event prev=%s, want %s", second.Chain.PrevEventHash, first.Chain.EventHash)
	}
	if other.Chain.PrevEventHash != "" {
		t.Fatal("chains are per pipeline")
	}

	events, err := ReadEvents(dir, "p")
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if err := VerifyChain(events); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	// Heads survive a restart.
	again, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	third := runEvent("p", "ETL-4", nil)
	if err := again.Emit(ctx, third); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if third.Chain.PrevEventHash != second.Chain.EventHash {
		t.Fatal("reopened emitter lost the chain head")
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	em, _ := NewFileEmitter(dir)
	for _, id := range []string{"ETL-1", "ETL-2"} {
		if err := em.Emit(context.Background(), runEvent("p", id, map[string]string{"dim": id})); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	path := filepath.Join(dir, "p", "ETL-1.json")
	var evt Event
	data, _ := os.ReadFile(path)
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatal(err)
	}
	evt.Tables["dim"] = TableInfo{Checksum: "forged"}
	data, _ = json.Marshal(evt)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	events, err := ReadEvents(dir, "p")
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if err := VerifyChain(events); err == nil {
		t.Fatal("expected tampered event to fail verification")
	}
}

func TestHTTPEmitterRetriesThenAdvancesHead(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var evt Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil || evt.Chain.EventHash == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := t.TempDir()
	files, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatal(err)
	}
	em := NewHTTPEmitter(srv.URL, time.Second, files)
	em.initial = time.Millisecond

	evt := runEvent("p", "ETL-1", map[string]string{"dim": "x"})
	if err := em.Emit(context.Background(), evt); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("got %d calls, want 2", calls.Load())
	}
	head, err := files.chain.Head("p")
	if err != nil || head != evt.Chain.EventHash {
		t.Fatalf("head=%q err=%v, want %q", head, err, evt.Chain.EventHash)
	}
}

func TestHTTPEmitterClientErrorKeepsHead(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rejected", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	files, _ := NewFileEmitter(t.TempDir())
	em := NewHTTPEmitter(srv.URL, time.Second, files)
	em.initial = time.Millisecond

	if err := em.Emit(context.Background(), runEvent("p", "ETL-1", nil)); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx should not be retried, got %d calls", calls.Load())
	}
	if _, err := files.chain.Head("p"); err != ErrNoChainHead {
		t.Fatalf("head advanced after failed post: %v", err)
	}
}

func TestNewSelectsEmitter(t *testing.T) {
	em, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := em.(noopEmitter); !ok {
		t.Fatalf("disabled config gave %T", em)
	}
	em, _ = New(Config{Enabled: true, Dir: t.TempDir()})
	if _, ok := em.(*FileEmitter); !ok {
		t.Fatalf("file config gave %T", em)
	}
	em, _ = New(Config{Enabled: true, Dir: t.TempDir(), Endpoint: "http://localhost:1"})
	if _, ok := em.(*HTTPEmitter); !ok {
		t.Fatalf("endpoint config gave %T", em)
	}
}
