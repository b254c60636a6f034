package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Sizes of the fixed-width canonical encoding.
const (
	DigestSize    = sha256.Size
	EventTypeSize = 32
	PayloadSize   = 256

	// MaxEventTypeLen and MaxPayloadLen leave room for the zero terminator.
	MaxEventTypeLen = EventTypeSize - 1
	MaxPayloadLen   = PayloadSize - 1

	// MaxKeySize is the largest accepted HMAC key, in bytes.
	MaxKeySize = 64

	offIndex      = 0
	offTimestamp  = offIndex + 8
	offPrevDigest = offTimestamp + 8
	offEventType  = offPrevDigest + DigestSize
	offPayload    = offEventType + EventTypeSize

	// EncodedSize is the length of the buffer fed to HMAC-SHA-256.
	EncodedSize = offPayload + PayloadSize
)

// The layout is part of the file format; any drift breaks every existing ledger.
var (
	_ [EncodedSize - 336]struct{}
	_ [336 - EncodedSize]struct{}
)

// Digest is a 32-byte HMAC-SHA-256 tag.
type Digest [DigestSize]byte

// GenesisDigest is the prev digest of record 0.
var GenesisDigest Digest

// String returns the lowercase hex form used in the file.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsGenesis reports whether d is all zeros.
func (d Digest) IsGenesis() bool {
	return d == GenesisDigest
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(DigestSize))
	hex.Encode(out, d[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64-character lowercase hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(DigestSize) {
		return d, fmt.Errorf("digest must be %d hex characters, got %d", hex.EncodedLen(DigestSize), len(s))
	}
	if strings.ToLower(s) != s {
		return d, fmt.Errorf("digest must be lowercase hex")
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	return d, nil
}

// Record is one entry of the ledger.
type Record struct {
	Index      uint64 `json:"index"`
	Timestamp  uint64 `json:"timestamp"`
	PrevDigest Digest `json:"prev_digest"`
	Digest     Digest `json:"digest"`
	EventType  string `json:"event_type"`
	Payload    string `json:"payload"`
}

// canonical is the fixed-width byte layout the digest is computed over:
//
//	index (8, LE) | timestamp (8, LE) | prev_digest (32) | event_type (32) | payload (256)
//
// Text fields are left-aligned and zero-padded.
type canonical [EncodedSize]byte

func (r *Record) encode() canonical {
	var buf canonical
	binary.LittleEndian.PutUint64(buf[offIndex:offTimestamp], r.Index)
	binary.LittleEndian.PutUint64(buf[offTimestamp:offPrevDigest], r.Timestamp)
	copy(buf[offPrevDigest:offEventType], r.PrevDigest[:])
	copy(buf[offEventType:offEventType+MaxEventTypeLen], r.EventType)
	copy(buf[offPayload:offPayload+MaxPayloadLen], r.Payload)
	return buf
}

// signer computes record digests with a fixed key. Not safe for concurrent use.
type signer struct {
	mac hash.Hash
}

func newSigner(key []byte) *signer {
	return &signer{mac: hmac.New(sha256.New, key)}
}

func (s *signer) sign(r *Record) Digest {
	buf := r.encode()
	s.mac.Reset()
	s.mac.Write(buf[:])
	var d Digest
	s.mac.Sum(d[:0])
	return d
}

// matches reports whether r.Digest is the tag of r under the signer's key.
func (s *signer) matches(r *Record) bool {
	want := s.sign(r)
	return hmac.Equal(want[:], r.Digest[:])
}

func validateKey(key []byte) error {
	switch {
	case len(key) == 0:
		return ErrKeyEmpty
	case len(key) > MaxKeySize:
		return ErrKeyTooLong
	}
	return nil
}

// validateFields enforces the line format's constraints on producer input.
// Oversized values are rejected rather than truncated.
func validateFields(eventType, payload string) error {
	if eventType == "" {
		return ErrEventTypeEmpty
	}
	if len(eventType) > MaxEventTypeLen {
		return fmt.Errorf("%w: %d bytes", ErrEventTypeTooLong, len(eventType))
	}
	if i := strings.IndexAny(eventType, ",\n\r\x00"); i >= 0 {
		return fmt.Errorf("%w: event type contains %q at byte %d", ErrInvalidField, eventType[i], i)
	}
	if len(payload) > MaxPayloadLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}
	if i := strings.IndexAny(payload, "\n\r\x00"); i >= 0 {
		return fmt.Errorf("%w: payload contains %q at byte %d", ErrInvalidField, payload[i], i)
	}
	return nil
}
