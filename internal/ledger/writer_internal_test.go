package ledger

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var internalKey = []byte("k1")

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

// shortWriter writes the first n bytes of each call to w, then fails.
type shortWriter struct {
	w io.Writer
	n int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p[:min(s.n, len(p))])
	if err != nil {
		return n, err
	}
	return n, errors.New("device full")
}

func openInternal(t *testing.T, path string) *Writer {
	t.Helper()
	w, err := Open(path, internalKey, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func fileBytes(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// assertFailedAppendKeptState checks a failed Append at index 1 left the
// writer and the file untouched, then retries and verifies the result.
func assertFailedAppendKeptState(t *testing.T, w *Writer, path string, appendErr error, before []byte, lastDigest Digest) {
	t.Helper()
	var ae *AppendError
	if !errors.As(appendErr, &ae) || ae.Index != 1 {
		t.Fatalf("expected *AppendError at index 1, got %v", appendErr)
	}
	if w.NextIndex() != 1 || w.LastDigest() != lastDigest {
		t.Fatalf("state advanced after failed write: next=%d", w.NextIndex())
	}
	if got := fileBytes(t, path); !bytes.Equal(got, before) {
		t.Fatalf("file changed after failed write:\n%q\nwant\n%q", got, before)
	}

	w.out = w.file
	rec, err := w.Append("TEACH", "2->4")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec.Index != 1 || rec.PrevDigest != lastDigest {
		t.Errorf("retry produced index %d prev %s", rec.Index, rec.PrevDigest)
	}

	res, err := Verify(path, internalKey)
	if err != nil || !res.OK() || res.Records != 2 {
		t.Errorf("verify after retry: %v, %v", res, err)
	}
}

func TestAppend_writeFailureKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genome.dat")
	w := openInternal(t, path)
	boot, err := w.Append("BOOT", "start")
	if err != nil {
		t.Fatal(err)
	}
	before := fileBytes(t, path)

	ro, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	w.out = ro

	_, err = w.Append("TEACH", "2->4")
	assertFailedAppendKeptState(t, w, path, err, before, boot.Digest)
}

func TestAppend_partialWriteIsRolledBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genome.dat")
	w := openInternal(t, path)
	boot, err := w.Append("BOOT", "start")
	if err != nil {
		t.Fatal(err)
	}
	before := fileBytes(t, path)

	w.out = &shortWriter{w: w.file, n: 10}
	_, err = w.Append("TEACH", "2->4")
	assertFailedAppendKeptState(t, w, path, err, before, boot.Digest)
}

func writeRecordAt(t *testing.T, path string, index uint64) {
	t.Helper()
	rec := Record{Index: index, Timestamp: 1700000000, PrevDigest: GenesisDigest, EventType: "BOOT", Payload: "start"}
	rec.Digest = newSigner(internalKey).sign(&rec)
	if err := os.WriteFile(path, appendLine(nil, &rec), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_lastIndexExhaustsLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genome.dat")
	writeRecordAt(t, path, math.MaxUint64)
	before := fileBytes(t, path)

	w := openInternal(t, path)
	if w.NextIndex() != math.MaxUint64 {
		t.Fatalf("NextIndex = %d, want it to stay on the last index", w.NextIndex())
	}
	_, err := w.Append("TEACH", "x")
	var ae *AppendError
	if !errors.As(err, &ae) || !errors.Is(err, ErrIndexExhausted) || ae.Index != math.MaxUint64 {
		t.Fatalf("expected ErrIndexExhausted, got %v", err)
	}
	if !bytes.Equal(fileBytes(t, path), before) {
		t.Error("exhausted ledger must not be written to")
	}
}

func TestAppend_lastIndexThenExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genome.dat")
	writeRecordAt(t, path, math.MaxUint64-1)

	w := openInternal(t, path)
	rec, err := w.Append("TEACH", "x")
	if err != nil || rec.Index != math.MaxUint64 {
		t.Fatalf("append at last index: %+v, %v", rec, err)
	}
	if _, err := w.Append("TEACH", "y"); !errors.Is(err, ErrIndexExhausted) {
		t.Errorf("expected ErrIndexExhausted after the last index, got %v", err)
	}
}
