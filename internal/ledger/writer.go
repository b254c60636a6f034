package ledger

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Writer owns an open ledger file and appends records to it. It is safe for
// use by multiple goroutines in one process; it does not coordinate with
// other processes.
type Writer struct {
	mu sync.Mutex

	file   *os.File
	out    io.Writer
	path   string
	key    []byte
	signer *signer

	lastDigest Digest
	nextIndex  uint64
	exhausted  bool
	size       int64
	tornTail   bool
	skipped    int

	sync     bool
	now      func() time.Time
	onAppend func(Record)
	logger   *zap.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithSync makes Append fsync the file after every write. Without it a
// successful Append only guarantees the line reached the OS.
func WithSync(enabled bool) Option {
	return func(w *Writer) { w.sync = enabled }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// WithAppendHook registers fn to run after every successful Append. It runs
// outside the writer's lock, so calls from concurrent Appends may overlap.
func WithAppendHook(fn func(Record)) Option {
	return func(w *Writer) { w.onAppend = fn }
}

// Open opens or creates the ledger at path and recovers the chain state from
// any existing records. Recovery trusts the file: unparsable lines are
// skipped and digests are not checked. Use Verify or OpenVerified for that.
func Open(path string, key []byte, opts ...Option) (*Writer, error) {
	if err := validateKey(key); err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}

	w := &Writer{
		path:   path,
		key:    append([]byte(nil), key...),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(
		zap.String("ledger", path),
		zap.String("session", uuid.NewString()),
	)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		clear(w.key)
		return nil, &OpenError{Path: path, Err: err}
	}
	w.file = f
	w.out = f

	if err := w.recover(); err != nil {
		f.Close()
		clear(w.key)
		return nil, &OpenError{Path: path, Err: fmt.Errorf("recover: %w", err)}
	}
	w.signer = newSigner(w.key)

	w.logger.Info("ledger opened",
		zap.Uint64("next_index", w.nextIndex),
		zap.String("last_digest", w.lastDigest.String()),
		zap.Int("skipped_lines", w.skipped),
	)
	return w, nil
}

// OpenVerified verifies the file at path before opening it. A missing file is
// not an error; the ledger is created. A corrupted file is refused with an
// *OpenError wrapping a *CorruptedError.
func OpenVerified(path string, key []byte, opts ...Option) (*Writer, Result, error) {
	res, err := Verify(path, key)
	if err != nil {
		return nil, res, &OpenError{Path: path, Err: err}
	}
	if res.Status == StatusCorrupted {
		return nil, res, &OpenError{
			Path: path,
			Err:  &CorruptedError{Index: res.Index, Reason: res.Reason},
		}
	}
	w, err := Open(path, key, opts...)
	if err != nil {
		return nil, res, err
	}
	if res.Status == StatusMissingFile {
		w.logger.Info("no existing ledger, created a new one")
	}
	return w, res, nil
}

// recover scans the file from the start and seeds lastDigest and nextIndex
// from the last line that parses.
func (w *Writer) recover() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	lr := newLineReader(w.file)
	var lineNo int
	for ; ; lineNo++ {
		line, overlong, err := lr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if overlong {
			w.skip(lineNo, "line too long")
			continue
		}

		rec, ok := RecoveryParse(line)
		if !ok {
			w.skip(lineNo, "unparsable line")
			continue
		}
		w.lastDigest = rec.Digest
		w.setNext(rec.Index)
	}

	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	w.size = info.Size()
	if w.size > 0 {
		w.tornTail, err = w.endsWithoutNewline()
	}
	return err
}

// setNext advances past used. The last index cannot be followed, so the
// writer stays on it and refuses further appends.
func (w *Writer) setNext(used uint64) {
	if used == math.MaxUint64 {
		w.nextIndex, w.exhausted = used, true
		return
	}
	w.nextIndex, w.exhausted = used+1, false
}

func (w *Writer) endsWithoutNewline() (bool, error) {
	var last [1]byte
	if _, err := w.file.ReadAt(last[:], w.size-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (w *Writer) skip(lineNo int, reason string) {
	w.skipped++
	w.logger.Warn("skipping ledger line during recovery",
		zap.Int("line", lineNo),
		zap.String("reason", reason),
	)
}

// Append records one event. On failure the writer's chain state is left as
// it was, so a retry reuses the same index.
func (w *Writer) Append(eventType, payload string) (Record, error) {
	rec, err := w.append(eventType, payload)
	if err != nil {
		return Record{}, err
	}
	if w.onAppend != nil {
		w.onAppend(rec)
	}
	return rec, nil
}

func (w *Writer) append(eventType, payload string) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return Record{}, &AppendError{Index: w.nextIndex, Err: ErrClosed}
	}
	if w.exhausted {
		return Record{}, &AppendError{Index: w.nextIndex, Err: ErrIndexExhausted}
	}
	if err := validateFields(eventType, payload); err != nil {
		return Record{}, &AppendError{Index: w.nextIndex, Err: err}
	}

	rec := Record{
		Index:      w.nextIndex,
		Timestamp:  uint64(w.now().Unix()),
		PrevDigest: w.lastDigest,
		EventType:  eventType,
		Payload:    payload,
	}
	rec.Digest = w.signer.sign(&rec)

	buf := make([]byte, 0, maxLineLen+1)
	if w.tornTail {
		buf = append(buf, '\n')
	}
	buf = appendLine(buf, &rec)

	if err := w.write(buf); err != nil {
		w.logger.Error("ledger append failed",
			zap.Uint64("index", rec.Index),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return Record{}, &AppendError{Index: rec.Index, Err: err}
	}

	w.size += int64(len(buf))
	w.tornTail = false
	w.lastDigest = rec.Digest
	w.setNext(rec.Index)

	w.logger.Debug("ledger record appended",
		zap.Uint64("index", rec.Index),
		zap.String("event_type", rec.EventType),
		zap.String("digest", rec.Digest.String()),
	)
	return rec, nil
}

// write puts buf in the file as a single write. If the write or the optional
// sync fails, the file is truncated back to its previous size.
func (w *Writer) write(buf []byte) error {
	n, err := w.out.Write(buf)
	if err == nil && w.sync {
		err = w.file.Sync()
	}
	if err == nil {
		return nil
	}
	if n > 0 {
		if terr := w.file.Truncate(w.size); terr != nil {
			return errors.Join(err, fmt.Errorf("roll back partial write: %w", terr))
		}
	}
	return err
}

// Close releases the file and wipes the key. Calling it again, or on a nil
// Writer, does nothing.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.out = nil, nil
	clear(w.key)
	w.key = nil
	w.signer = nil
	w.lastDigest = Digest{}
	w.logger.Info("ledger closed", zap.Uint64("next_index", w.nextIndex))
	return err
}

// Path returns the ledger file path.
func (w *Writer) Path() string {
	return w.path
}

// NextIndex returns the index the next Append will use. Once a record holds
// math.MaxUint64 it stays there and Append fails with ErrIndexExhausted.
func (w *Writer) NextIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextIndex
}

// LastDigest returns the digest of the most recent record, or GenesisDigest
// for an empty ledger.
func (w *Writer) LastDigest() Digest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastDigest
}

// Skipped returns how many lines recovery ignored.
func (w *Writer) Skipped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipped
}
