// Package engine orchestrates the two cache tiers: local (always
// consulted first, always written) and remote (consulted only on a local
// miss, written in addition to local whenever connected). No promotion: a
// remote hit never populates the local tier (spec.md §9 design note).
//
// Grounded on the teacher's internal/server (which also layers a fast
// local structure in front of a slower path) for the "try the cheap tier,
// fall through to the expensive one" shape, adapted to spec.md 4.J's
// two-tier cache contract rather than the teacher's client/server RPC
// split.
package engine

import (
	"time"

	"github.com/VKCOM/buildcache/internal/buildcachelog"
	"github.com/VKCOM/buildcache/internal/cacheentry"
	"github.com/VKCOM/buildcache/internal/hash"
	"github.com/VKCOM/buildcache/internal/localcache"
	"github.com/VKCOM/buildcache/internal/remotecache"
)

// Timings breaks down where time went in one invocation - the
// supplemented perf_utils equivalent (SPEC_FULL.md §7). Nothing in this
// module fills it in, and config.Perf is not read.
type Timings struct {
	ResolveArgs time.Duration
	Preprocess  time.Duration
	Hash        time.Duration
	Lookup      time.Duration
	Run         time.Duration
	Add         time.Duration
}

// Engine orchestrates a local.Cache and an optional connected remote
// provider.
type Engine struct {
	Local  *localcache.Cache
	Remote remotecache.Provider // nil if no remote configured or dial failed
}

// New builds an Engine. remote may be nil (no remote tier configured).
func New(local *localcache.Cache, remote remotecache.Provider) *Engine {
	return &Engine{Local: local, Remote: remote}
}

// Lookup tries the local tier first, then the remote tier on a local miss.
// On any hit, it materializes every expected file to its target path and
// returns the entry together with true. expectedFiles maps file_id to the
// target path the artifact should be materialized to.
func (e *Engine) Lookup(h hash.Hash, expectedFiles map[string]string, allowHardLinks bool) (cacheentry.Entry, bool) {
	entry, lock := e.Local.Lookup(h)
	if entry.Valid {
		defer lock.Release()
		if err := materializeLocal(e.Local, h, entry, expectedFiles, allowHardLinks); err != nil {
			buildcachelog.Default().Error("engine: materializing local hit failed", h.String(), err)
			return cacheentry.Entry{}, false
		}
		return entry, true
	}

	if e.Remote == nil || !e.Remote.IsConnected() {
		return cacheentry.Entry{}, false
	}

	remoteEntry, ok := e.Remote.Lookup(h)
	if !ok {
		e.Local.RecordStat(h, "remote_misses", 1)
		return cacheentry.Entry{}, false
	}
	if err := materializeRemote(e.Remote, h, remoteEntry, expectedFiles); err != nil {
		buildcachelog.Default().Error("engine: materializing remote hit failed", h.String(), err)
		e.Local.RecordStat(h, "remote_misses", 1)
		return cacheentry.Entry{}, false
	}
	e.Local.RecordStat(h, "remote_hits", 1)
	// deliberately no promotion into the local tier; see spec.md §9
	return remoteEntry, true
}

// Add always writes entry to the local tier; if a remote is connected, it
// is also written there, always with CompressionAll (remote bandwidth is
// the scarce resource, regardless of the local compression setting).
// Remote write failures are logged and swallowed - they must never abort
// the primary compilation.
func (e *Engine) Add(h hash.Hash, entry cacheentry.Entry, expectedFiles map[string]string, allowHardLinks bool) error {
	if err := e.Local.Add(h, entry, expectedFiles, allowHardLinks); err != nil {
		return err
	}

	if e.Remote == nil || !e.Remote.IsConnected() {
		return nil
	}

	remoteEntry := entry
	remoteEntry.CompressionMode = cacheentry.CompressionAll
	if err := e.Remote.Add(h, remoteEntry, expectedFiles); err != nil {
		buildcachelog.Default().Error("engine: remote add failed (continuing)", h.String(), err)
	}
	return nil
}

func materializeLocal(local *localcache.Cache, h hash.Hash, entry cacheentry.Entry, expectedFiles map[string]string, allowHardLinks bool) error {
	isCompressed := entry.CompressionMode == cacheentry.CompressionAll
	for _, fileID := range entry.FileIDs {
		targetPath, ok := expectedFiles[fileID]
		if !ok {
			continue
		}
		if err := local.GetFile(h, fileID, targetPath, isCompressed, allowHardLinks); err != nil {
			return err
		}
	}
	return nil
}

func materializeRemote(remote remotecache.Provider, h hash.Hash, entry cacheentry.Entry, expectedFiles map[string]string) error {
	// remote entries are always stored with CompressionAll (see Add)
	for _, fileID := range entry.FileIDs {
		targetPath, ok := expectedFiles[fileID]
		if !ok {
			continue
		}
		if err := remote.GetFile(h, fileID, targetPath, true); err != nil {
			return err
		}
	}
	return nil
}
