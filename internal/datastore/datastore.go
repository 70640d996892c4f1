// Package datastore implements a small filesystem key-value store used for
// volatile, advisory metadata (distinct from the content-addressed cache
// proper) that is cheap to lose; in this module its one user is the
// wrapper's direct-mode manifest store.
//
// Grounded on original_source/src/cache/data_store.cpp: same key hex
// encoding, same 8-byte little-endian expiry-prefixed item encoding, same
// ~0.1% probabilistic housekeeping on construction, same "a read failure or
// expiry silently deletes the item" semantics - generalized here the way
// the teacher exposes small single-purpose stores (internal/server/obj-cache.go,
// internal/server/file-cache.go) rather than one big key/value service.
package datastore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/VKCOM/buildcache/internal/buildcachelog"
	"github.com/VKCOM/buildcache/internal/pathutil"
)

// Store is a filesystem-backed key-value namespace rooted at rootDir.
type Store struct {
	rootDir string
}

// New opens (or prepares) a store rooted at filepath.Join(baseDir, name),
// occasionally (~0.1% of calls) sweeping expired/bogus items.
func New(baseDir, name string) *Store {
	s := &Store{rootDir: filepath.Join(baseDir, name)}
	if isTimeForHousekeeping() {
		s.performHousekeeping()
	}
	return s
}

// isTimeForHousekeeping scrambles the current microsecond timestamp and
// fires on about 1 in 1000 calls, matching the original's approach of
// amortizing cleanup across many short-lived process invocations without
// needing a background goroutine.
func isTimeForHousekeeping() bool {
	t := time.Now().UnixMicro()
	rnd := (t ^ (t >> 7)) ^ ((t >> 14) ^ (t >> 20))
	return rnd%1000 == 0
}

// Store writes value under key with an expiry timeoutSeconds from now.
// Failures are swallowed: the store is advisory.
func (s *Store) Store(key, value string, timeoutSeconds int64) {
	if err := os.MkdirAll(s.rootDir, os.ModePerm); err != nil {
		return
	}
	filePath := s.makeFilePath(key)

	raw := make([]byte, 8+len(value))
	binary.LittleEndian.PutUint64(raw[0:8], uint64(time.Now().Unix()+timeoutSeconds))
	copy(raw[8:], value)

	tmp, err := pathutil.NewScopedTempFile(filepath.Dir(filePath), ".tmp")
	if err != nil {
		return
	}
	defer tmp.Close()

	if err := os.WriteFile(tmp.Path(), raw, 0o644); err != nil {
		return
	}
	_ = pathutil.Move(tmp.Path(), filePath)
}

// Get returns the stored value and true, or ("", false) if the key is
// absent, unreadable, too short to contain a valid header, or expired (in
// which case the item is also removed as a side effect).
func (s *Store) Get(key string) (string, bool) {
	filePath := s.makeFilePath(key)
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return "", false
	}
	if len(raw) < 8 {
		buildcachelog.Default().Error("removing broken data store item", key)
		s.Remove(key)
		return "", false
	}
	expires := int64(binary.LittleEndian.Uint64(raw[0:8]))
	if expires < time.Now().Unix() {
		s.Remove(key)
		return "", false
	}
	return string(raw[8:]), true
}

// Remove deletes key's item, if present.
func (s *Store) Remove(key string) {
	_ = os.Remove(s.makeFilePath(key))
}

// Clear removes every item in the store.
func (s *Store) Clear() {
	entries, err := pathutil.WalkDirectory(s.rootDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir {
			_ = os.Remove(e.Path)
		}
	}
}

func (s *Store) makeFilePath(key string) string {
	return filepath.Join(s.rootDir, encodeKey(key))
}

const hexDigits = "0123456789abcdef"

func isLiteralKeyChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || c == '_' || c == '-'
}

// encodeKey passes [0-9a-z_-] through literally and hex-escapes everything
// else as ".HH".
func encodeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if isLiteralKeyChar(c) {
			out = append(out, c)
		} else {
			out = append(out, '.', hexDigits[c>>4], hexDigits[c&0xf])
		}
	}
	return string(out)
}

func fromHex4Bit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, fmt.Errorf("datastore: invalid hex character %q", c)
	}
}

// decodeKey reverses encodeKey, used only during housekeeping sweeps.
func decodeKey(encoded string) (string, error) {
	out := make([]byte, 0, len(encoded))
	for i := 0; i < len(encoded); {
		c := encoded[i]
		i++
		if isLiteralKeyChar(c) {
			out = append(out, c)
			continue
		}
		if c != '.' {
			return "", fmt.Errorf("datastore: illegal key character %q in %q", c, encoded)
		}
		if i+2 > len(encoded) {
			return "", fmt.Errorf("datastore: premature end of encoded key %q", encoded)
		}
		h1, err := fromHex4Bit(encoded[i])
		if err != nil {
			return "", err
		}
		h2, err := fromHex4Bit(encoded[i+1])
		if err != nil {
			return "", err
		}
		i += 2
		out = append(out, (h1<<4)|h2)
	}
	return string(out), nil
}

// performHousekeeping walks every item, decoding its key and calling Get
// (whose side effect deletes expired items) or removing it outright if the
// key can't be decoded at all.
func (s *Store) performHousekeeping() {
	entries, err := pathutil.WalkDirectory(s.rootDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		encodedKey := filepath.Base(e.Path)
		key, err := decodeKey(encodedKey)
		if err != nil {
			buildcachelog.Default().Error("removing bogus data store item", encodedKey, err)
			_ = os.Remove(e.Path)
			continue
		}
		s.Get(key)
	}
}
