// Package cacheentry implements the versioned binary serialization of a
// cached compiler invocation's result (CacheEntry) and of the direct-mode
// manifest used to avoid re-preprocessing unchanged sources (Manifest).
//
// Grounded on original_source/src/cache/cache_entry.cpp: same format
// version (3), same forward-compatible reader (accepts versions 1-3,
// downgrading the version-2 file_ids map to its key vector, defaulting
// compression_mode to NONE pre-version-2), same "compress std_out/std_err
// only when compression_mode is ALL" rule. Built on internal/serialize and
// internal/codec rather than the original's inline serializer_utils calls.
package cacheentry

import (
	"fmt"
	"sort"

	"github.com/VKCOM/buildcache/internal/codec"
	"github.com/VKCOM/buildcache/internal/serialize"
)

// CompressionMode selects whether an entry's captured stdout/stderr (and,
// by extension, its materialized artifact files) are stored compressed.
type CompressionMode int32

const (
	// CompressionNone stores artifacts and captured output uncompressed.
	CompressionNone CompressionMode = 0
	// CompressionAll compresses captured output and every artifact file.
	CompressionAll CompressionMode = 1
)

// currentFormatVersion is the newest format this package can write.
const currentFormatVersion = 3

// Entry describes one cached compiler invocation: the set of output
// artifact identifiers it produced, the captured stdout/stderr, and the
// process return code.
type Entry struct {
	FileIDs         []string
	CompressionMode CompressionMode
	StdOut          string
	StdErr          string
	ReturnCode      int32
	Valid           bool
}

// New builds a valid Entry from its constituent parts.
func New(fileIDs []string, mode CompressionMode, stdOut, stdErr string, returnCode int32) Entry {
	return Entry{
		FileIDs:         fileIDs,
		CompressionMode: mode,
		StdOut:          stdOut,
		StdErr:          stdErr,
		ReturnCode:      returnCode,
		Valid:           true,
	}
}

// Serialize encodes e in the current format version. format/level select
// the codec used when e.CompressionMode is CompressionAll; both are
// ignored otherwise. Callers thread through config.CompressFormat/
// CompressLevel (or the remote tier's own compression setting).
func (e Entry) Serialize(format codec.Format, level int) ([]byte, error) {
	w := serialize.NewWriter()
	w.Int32(currentFormatVersion)
	w.Int32(int32(e.CompressionMode))
	w.StringSlice(e.FileIDs)

	stdOut, stdErr := e.StdOut, e.StdErr
	if e.CompressionMode == CompressionAll {
		compressedOut, err := codec.Compress([]byte(stdOut), format, level)
		if err != nil {
			return nil, fmt.Errorf("cacheentry: compressing stdout: %w", err)
		}
		compressedErr, err := codec.Compress([]byte(stdErr), format, level)
		if err != nil {
			return nil, fmt.Errorf("cacheentry: compressing stderr: %w", err)
		}
		stdOut, stdErr = string(compressedOut), string(compressedErr)
	}
	w.String(stdOut)
	w.String(stdErr)
	w.Int32(e.ReturnCode)
	return w.Bytes(), nil
}

// Deserialize decodes data written by Serialize, or by an older format
// version (down to 1). A version newer than currentFormatVersion raises.
func Deserialize(data []byte) (Entry, error) {
	r := serialize.NewReader(data)

	version, err := r.Int32()
	if err != nil {
		return Entry{}, err
	}
	if version > currentFormatVersion {
		return Entry{}, fmt.Errorf("cacheentry: unsupported serialization format version %d", version)
	}
	if version < 1 {
		return Entry{}, fmt.Errorf("cacheentry: invalid serialization format version %d", version)
	}

	mode := CompressionNone
	if version >= 2 {
		m, err := r.Int32()
		if err != nil {
			return Entry{}, err
		}
		mode = CompressionMode(m)
	}

	var fileIDs []string
	if version >= 3 {
		fileIDs, err = r.StringSlice()
		if err != nil {
			return Entry{}, err
		}
	} else {
		filesMap, err := r.StringMap()
		if err != nil {
			return Entry{}, err
		}
		fileIDs = mapKeysSorted(filesMap)
	}

	stdOut, err := r.String()
	if err != nil {
		return Entry{}, err
	}
	stdErr, err := r.String()
	if err != nil {
		return Entry{}, err
	}
	returnCode, err := r.Int32()
	if err != nil {
		return Entry{}, err
	}

	if mode == CompressionAll {
		decodedOut, err := codec.Decompress([]byte(stdOut))
		if err != nil {
			return Entry{}, fmt.Errorf("cacheentry: decompressing stdout: %w", err)
		}
		decodedErr, err := codec.Decompress([]byte(stdErr))
		if err != nil {
			return Entry{}, fmt.Errorf("cacheentry: decompressing stderr: %w", err)
		}
		stdOut, stdErr = string(decodedOut), string(decodedErr)
	}

	return Entry{
		FileIDs:         fileIDs,
		CompressionMode: mode,
		StdOut:          stdOut,
		StdErr:          stdErr,
		ReturnCode:      returnCode,
		Valid:           true,
	}, nil
}

func mapKeysSorted(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// currentManifestVersion is the newest direct-mode manifest format version.
const currentManifestVersion = 1

// Manifest records, for a given preprocessor-independent "direct mode"
// fingerprint, the hash of the preprocessed translation unit together with
// the hashes of every header file it transitively included, so a later
// invocation can confirm a hit purely from file hashes without
// re-preprocessing.
type Manifest struct {
	PreprocHash     string
	FilesWithHashes map[string]string
}

// Serialize encodes m in the current manifest format version.
func (m Manifest) Serialize() []byte {
	w := serialize.NewWriter()
	w.Int32(currentManifestVersion)
	w.String(m.PreprocHash)
	w.StringMap(mapKeysSorted(m.FilesWithHashes), m.FilesWithHashes)
	return w.Bytes()
}

// DeserializeManifest decodes data written by Serialize.
func DeserializeManifest(data []byte) (Manifest, error) {
	r := serialize.NewReader(data)

	version, err := r.Int32()
	if err != nil {
		return Manifest{}, err
	}
	if version > currentManifestVersion {
		return Manifest{}, fmt.Errorf("cacheentry: unsupported manifest format version %d", version)
	}
	if version < 1 {
		return Manifest{}, fmt.Errorf("cacheentry: invalid manifest format version %d", version)
	}

	preprocHash, err := r.String()
	if err != nil {
		return Manifest{}, err
	}
	filesWithHashes, err := r.StringMap()
	if err != nil {
		return Manifest{}, err
	}

	return Manifest{PreprocHash: preprocHash, FilesWithHashes: filesWithHashes}, nil
}
