package ledger

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	fieldCount = 6

	// maxLineLen bounds a well-formed line: two 20-digit integers, two hex
	// digests, both text fields at their limits, five commas and the newline.
	maxLineLen = 2*20 + 2*2*DigestSize + MaxEventTypeLen + MaxPayloadLen + fieldCount
)

// appendLine serializes r as
//
//	index,timestamp,prev_digest_hex,digest_hex,event_type,payload\n
func appendLine(dst []byte, r *Record) []byte {
	dst = strconv.AppendUint(dst, r.Index, 10)
	dst = append(dst, ',')
	dst = strconv.AppendUint(dst, r.Timestamp, 10)
	dst = append(dst, ',')
	dst = hex.AppendEncode(dst, r.PrevDigest[:])
	dst = append(dst, ',')
	dst = hex.AppendEncode(dst, r.Digest[:])
	dst = append(dst, ',')
	dst = append(dst, r.EventType...)
	dst = append(dst, ',')
	dst = append(dst, r.Payload...)
	return append(dst, '\n')
}

// MarshalLine returns the persisted form of r, including the newline.
func (r Record) MarshalLine() []byte {
	return appendLine(make([]byte, 0, maxLineLen), &r)
}

// RecoveryParse is the lenient parser used when a Writer resumes a file. It
// reports ok=false for any line that does not yield all six fields with
// 32-byte digests; the caller skips such lines. Digests are not checked.
func RecoveryParse(line []byte) (Record, bool) {
	line = bytes.TrimRight(line, "\r\n")
	fields := bytes.SplitN(line, []byte{','}, fieldCount)
	if len(fields) != fieldCount {
		return Record{}, false
	}

	var (
		r   Record
		err error
	)
	if r.Index, err = strconv.ParseUint(string(fields[0]), 10, 64); err != nil {
		return Record{}, false
	}
	if r.Timestamp, err = strconv.ParseUint(string(fields[1]), 10, 64); err != nil {
		return Record{}, false
	}
	if !decodeDigest(&r.PrevDigest, fields[2]) || !decodeDigest(&r.Digest, fields[3]) {
		return Record{}, false
	}
	if len(fields[4]) == 0 {
		return Record{}, false
	}
	r.EventType = string(fields[4])
	r.Payload = string(fields[5])
	return r, true
}

func decodeDigest(dst *Digest, src []byte) bool {
	if len(src) != hex.EncodedLen(DigestSize) {
		return false
	}
	_, err := hex.Decode(dst[:], src)
	return err == nil
}

// AuditParse is the strict parser used by Verify and Scan. The line must be
// newline-terminated, integers must be canonical decimal and digests must be
// lowercase hex, so that any altered byte either fails here or changes a
// value covered by the digest.
func AuditParse(line []byte) (Record, error) {
	body, ok := bytes.CutSuffix(line, []byte{'\n'})
	if !ok {
		return Record{}, errors.New("line is not newline-terminated")
	}
	fields := bytes.SplitN(body, []byte{','}, fieldCount)
	if len(fields) != fieldCount {
		return Record{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(fields))
	}

	var (
		r   Record
		err error
	)
	if r.Index, err = parseCanonicalUint(fields[0]); err != nil {
		return Record{}, fmt.Errorf("index: %w", err)
	}
	if r.Timestamp, err = parseCanonicalUint(fields[1]); err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	if r.PrevDigest, err = ParseDigest(string(fields[2])); err != nil {
		return Record{}, fmt.Errorf("prev digest: %w", err)
	}
	if r.Digest, err = ParseDigest(string(fields[3])); err != nil {
		return Record{}, fmt.Errorf("digest: %w", err)
	}
	r.EventType = string(fields[4])
	r.Payload = string(fields[5])
	if err := validateFields(r.EventType, r.Payload); err != nil {
		return Record{}, err
	}
	return r, nil
}

func parseCanonicalUint(b []byte) (uint64, error) {
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, err
	}
	if len(b) > 1 && b[0] == '0' {
		return 0, fmt.Errorf("leading zero in %q", b)
	}
	return v, nil
}

// lineReader splits a ledger file into lines without trusting line length.
type lineReader struct {
	r   *bufio.Reader
	buf []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 4096)}
}

// next returns the next line with its terminator, if any. The returned slice
// is only valid until the following call. A line longer than maxLineLen is
// consumed to its end and reported with overlong set and no content.
func (lr *lineReader) next() (line []byte, overlong bool, err error) {
	lr.buf = lr.buf[:0]
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !overlong {
			lr.buf = append(lr.buf, chunk...)
			if len(lr.buf) > maxLineLen {
				overlong = true
				lr.buf = lr.buf[:0]
			}
		}
		switch {
		case err == nil:
			return lr.buf, overlong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(lr.buf) == 0 && !overlong {
				return nil, false, io.EOF
			}
			return lr.buf, overlong, nil
		default:
			return nil, false, err
		}
	}
}
