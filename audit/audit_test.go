package audit

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func sampleEntry(reqID string) Entry {
	return Entry{
		RequestID:         reqID,
		TraceID:           "trace-1",
		CallerIdentity:    "ed25519:abc",
		CapabilityName:    "convert",
		Outcome:           "Success",
		DurationMillis:    42,
		TimestampUnix:     1770000000,
		RequestSignature:  "cmVxdWVzdA==",
		ResponseSignature: "cmVzcG9uc2U=",
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	e := sampleEntry("req-1")
	e.Index = 3
	e.PrevCID = "bafyprev"
	got, err := Parse(Render(e))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, e)
	}
}

func TestChainAppendAndVerify(t *testing.T) {
	logs := map[string]Log{
		"memory": NewMemoryLog(zerolog.Nop()),
	}
	fl, err := OpenFileLog(filepath.Join(t.TempDir(), "audit.log"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	logs["file"] = fl

	for backend, l := range logs {
		t.Run(backend, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if _, err := l.Append(sampleEntry("req-" + string(rune('a'+i)))); err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}
			if err := l.Verify(); err != nil {
				t.Fatalf("verify: %v", err)
			}
			entries, err := l.Entries()
			if err != nil {
				t.Fatalf("entries: %v", err)
			}
			if len(entries) != 3 {
				t.Fatalf("entries = %d, want 3", len(entries))
			}
			if entries[0].PrevCID != ChainRoot {
				t.Errorf("first entry prev = %q, want genesis", entries[0].PrevCID)
			}
			if entries[2].PrevCID != CID(entries[1]) {
				t.Errorf("chain link broken at entry 2")
			}
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := NewMemoryLog(zerolog.Nop())
	for i := 0; i < 3; i++ {
		if _, err := l.Append(sampleEntry("req-" + string(rune('a'+i)))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, _ := l.Entries()

	tampered := append([]Entry(nil), entries...)
	tampered[1].Outcome = "InternalError"
	if err := VerifyChain(tampered); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}

	reordered := []Entry{entries[0], entries[2], entries[1]}
	if err := VerifyChain(reordered); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}

	truncatedMiddle := []Entry{entries[0], entries[2]}
	if err := VerifyChain(truncatedMiddle); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}
}

func TestFileLogReopensAtHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := OpenFileLog(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Append(sampleEntry("req-a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	headA := sampleEntry("req-a")
	headA.Index = 0
	headA.PrevCID = ChainRoot

	reopened, err := OpenFileLog(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Append(sampleEntry("req-b")); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	entries, err := reopened.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[1].PrevCID != CID(headA) {
		t.Errorf("reopened log did not chain from existing head")
	}
	if err := reopened.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestConcurrentAppendsStayChained(t *testing.T) {
	l := NewMemoryLog(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Append(sampleEntry("req"))
		}(i)
	}
	wg.Wait()
	if err := l.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	entries, _ := l.Entries()
	if len(entries) != 20 {
		t.Fatalf("entries = %d, want 20", len(entries))
	}
}
