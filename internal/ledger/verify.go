package ledger

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Status is the outcome class of a verification.
type Status int

const (
	StatusOK Status = iota
	StatusMissingFile
	StatusCorrupted
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMissingFile:
		return "missing_file"
	case StatusCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result describes a verification. Records and Root cover the records that
// verified before the first failure. Index and Reason are set only when
// Status is StatusCorrupted.
type Result struct {
	Status  Status
	Records uint64
	Root    Digest
	Index   uint64
	Reason  string
}

// OK reports whether the whole ledger verified.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

func (r Result) String() string {
	if r.Status == StatusCorrupted {
		return fmt.Sprintf("corrupted at index %d: %s", r.Index, r.Reason)
	}
	return r.Status.String()
}

// Verify replays the ledger at path from the first line and checks every
// record's structure, index, chain link and digest under key. It stops at the
// first failure and reports it as StatusCorrupted at the expected index of
// that line. A missing file is StatusMissingFile; an empty file is StatusOK.
//
// The returned error is reserved for conditions that say nothing about the
// ledger's integrity: an invalid key, or a file that exists but cannot be
// read.
//
// Verify holds no lock. Run concurrently with an Append it may see a torn
// last line and report it as corrupted.
func Verify(path string, key []byte) (Result, error) {
	if err := validateKey(key); err != nil {
		return Result{}, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{Status: StatusMissingFile}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	return verifyReader(f, newSigner(key))
}

func verifyReader(r io.Reader, s *signer) (Result, error) {
	var (
		res      = Result{Status: StatusOK}
		expected uint64
		prev     = GenesisDigest
		lr       = newLineReader(r)
	)
	corrupted := func(reason string, args ...any) (Result, error) {
		res.Status = StatusCorrupted
		res.Index = expected
		res.Reason = fmt.Sprintf(reason, args...)
		return res, nil
	}

	for {
		line, overlong, err := lr.next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("read ledger: %w", err)
		}
		if overlong {
			return corrupted("line exceeds %d bytes", maxLineLen)
		}

		rec, err := AuditParse(line)
		if err != nil {
			return corrupted("malformed record: %v", err)
		}
		if rec.Index != expected {
			return corrupted("index %d out of sequence", rec.Index)
		}
		if rec.PrevDigest != prev {
			return corrupted("prev digest does not match preceding record")
		}
		if !s.matches(&rec) {
			return corrupted("digest mismatch")
		}

		expected++
		prev = rec.Digest
		res.Records = expected
		res.Root = prev
	}
}

// Scan reads the ledger at path in order and calls fn for each record. It
// parses strictly but does not authenticate: no key is involved, and index
// and chain continuity are not checked. Scan stops at the first malformed
// line with a *MalformedLineError, or at the first error from fn.
//
// A missing file yields an error satisfying errors.Is(err, fs.ErrNotExist).
func Scan(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	lr := newLineReader(f)
	for lineNo := uint64(0); ; lineNo++ {
		line, overlong, err := lr.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		if overlong {
			return &MalformedLineError{Line: lineNo, Err: fmt.Errorf("line exceeds %d bytes", maxLineLen)}
		}
		rec, err := AuditParse(line)
		if err != nil {
			return &MalformedLineError{Line: lineNo, Err: err}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
