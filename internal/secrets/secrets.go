// Package secrets locates the ledger HMAC key.
//
// A key comes from, in order: an explicit value, the PROVLEDGER_KEY
// environment variable, or a JSON secrets file. String values may carry a
// "hex:" or "base64:" prefix; anything else is used as trimmed UTF-8 bytes.
package secrets

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"github.com/spf13/viper"
)

const (
	// EnvKey holds the key value itself.
	EnvKey = "PROVLEDGER_KEY"
	// EnvSecretsPath points at a secrets file.
	EnvSecretsPath = "KOLIBRI_SECRETS_PATH"
	// DefaultFileName is looked up in the working directory.
	DefaultFileName = "kolibri_secrets.json"
)

// ErrNotFound is returned when no source provides a key.
var ErrNotFound = errors.New("no hmac key configured")

// fileKeys are the locations checked inside a secrets file, in order.
var fileKeys = []string{
	"hmac_key",
	"kolibri_hmac_key",
	"kolibri.hmac_key",
	"kolibri.kolibri_hmac_key",
	"kolibri.script.hmac_key",
	"kolibri.script.kolibri_hmac_key",
}

// Source describes where Resolve looks for a key. The function fields
// default to the os package and exist so tests can stay hermetic.
type Source struct {
	Key  string
	Path string

	Getenv  func(string) string
	HomeDir func() (string, error)
	WorkDir func() (string, error)
}

// Resolved is a key together with where it was found.
type Resolved struct {
	Key    []byte
	Origin string
}

// Resolve returns the first key found across the configured sources. A
// source that is present but unusable is an error; it does not fall through.
func Resolve(src Source) (Resolved, error) {
	src.defaults()

	if src.Key != "" {
		return decodeFrom(src.Key, "flag")
	}
	if v := src.Getenv(EnvKey); v != "" {
		return decodeFrom(v, "env:"+EnvKey)
	}

	for _, path := range src.candidates() {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		key, err := LoadFile(path)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Key: key, Origin: path}, nil
	}
	return Resolved{}, ErrNotFound
}

func (s *Source) defaults() {
	if s.Getenv == nil {
		s.Getenv = os.Getenv
	}
	if s.HomeDir == nil {
		s.HomeDir = os.UserHomeDir
	}
	if s.WorkDir == nil {
		s.WorkDir = os.Getwd
	}
}

func (s *Source) candidates() []string {
	var paths []string
	if s.Path != "" {
		paths = append(paths, s.Path)
	}
	if p := s.Getenv(EnvSecretsPath); p != "" {
		paths = append(paths, p)
	}
	if wd, err := s.WorkDir(); err == nil {
		paths = append(paths, filepath.Join(wd, DefaultFileName))
	}
	if home, err := s.HomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kolibri", "secrets.json"))
	}
	return paths
}

func decodeFrom(value, origin string) (Resolved, error) {
	key, err := Decode(value)
	if err != nil {
		return Resolved{}, fmt.Errorf("%s: %w", origin, err)
	}
	return Resolved{Key: key, Origin: origin}, nil
}

// LoadFile reads a JSON secrets file and decodes the first key it finds.
func LoadFile(path string) ([]byte, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read secrets file %s: %w", path, err)
	}

	for _, k := range fileKeys {
		if !v.IsSet(k) {
			continue
		}
		s, ok := v.Get(k).(string)
		if !ok {
			return nil, fmt.Errorf("secrets file %s: %s must be a string", path, k)
		}
		key, err := Decode(s)
		if err != nil {
			return nil, fmt.Errorf("secrets file %s: %w", path, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("secrets file %s: hmac_key not present", path)
}

// Decode turns a configured string into key bytes and checks its length.
func Decode(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)

	var (
		key []byte
		err error
	)
	switch {
	case strings.HasPrefix(trimmed, "hex:"):
		key, err = hex.DecodeString(trimmed[len("hex:"):])
	case strings.HasPrefix(trimmed, "base64:"):
		key, err = base64.StdEncoding.DecodeString(trimmed[len("base64:"):])
	default:
		key = []byte(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}

	switch {
	case len(key) == 0:
		return nil, ledger.ErrKeyEmpty
	case len(key) > ledger.MaxKeySize:
		return nil, ledger.ErrKeyTooLong
	}
	return key, nil
}
