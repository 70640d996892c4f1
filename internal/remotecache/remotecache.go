// Package remotecache implements the remote cache tier: a protocol-agnostic
// facade dispatching on URL scheme to one of three concrete providers
// (HTTP, Redis, S3), all sharing the same object keying scheme.
//
// Grounded on original_source/src/cache/s3_cache_provider.cpp for the
// keying convention and the S3 signing recipe (reproduced verbatim in
// s3.go), and on spec.md 4.I for the HTTP/Redis wire shapes. Dispatch
// style follows the teacher's pattern of small interfaces implemented by
// several concrete structs (internal/server's cache types), generalized
// to a scheme-prefixed URL instead of a compile-time choice.
package remotecache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/VKCOM/buildcache/internal/cacheentry"
	"github.com/VKCOM/buildcache/internal/hash"
)

// entryFileName is the pseudo file-id used for the serialized CacheEntry
// record itself, distinct from the artifact file ids.
const entryFileName = ".entry"

// keyPrefix namespaces every object this module ever writes.
const keyPrefix = "buildcache"

// remoteKeyName builds the uniform object key: buildcache_<hash>_<file>.
func remoteKeyName(hashStr, file string) string {
	return keyPrefix + "_" + hashStr + "_" + file
}

// Provider is the uniform interface every concrete remote backend implements.
type Provider interface {
	Connect(hostDescription string) error
	IsConnected() bool
	Lookup(h hash.Hash) (cacheentry.Entry, bool)
	Add(h hash.Hash, entry cacheentry.Entry, expectedFiles map[string]string) error
	GetFile(h hash.Hash, fileID, targetPath string, isCompressed bool) error
}

// Dial parses url's scheme and constructs + connects the
// matching provider. Supported schemes: http, redis, s3.
func Dial(url string) (Provider, error) {
	var p Provider
	var rest string

	switch {
	case strings.HasPrefix(url, "http://"):
		p, rest = &HTTPProvider{}, strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "redis://"):
		p, rest = &RedisProvider{}, strings.TrimPrefix(url, "redis://")
	case strings.HasPrefix(url, "s3://"):
		p, rest = &S3Provider{}, strings.TrimPrefix(url, "s3://")
	default:
		return nil, fmt.Errorf("remotecache: unrecognized URL scheme in %q", url)
	}

	if err := p.Connect(rest); err != nil {
		return nil, err
	}
	return p, nil
}

// hostDescription is the parsed host[:port][/path] triple shared by every
// provider's Connect.
type hostDescription struct {
	Host string
	Port int // -1 if unspecified; caller applies a provider-specific default
	Path string
}

// parseHostDescription parses "host[:port][/path]". The path may only
// appear after the port (or directly after the host if no port is given);
// if a port is present it must parse as a non-negative integer.
func parseHostDescription(s string) (hostDescription, error) {
	hd := hostDescription{Port: -1}

	slash := strings.IndexByte(s, '/')
	hostPort := s
	if slash >= 0 {
		hostPort = s[:slash]
		hd.Path = s[slash:]
	}

	colon := strings.LastIndexByte(hostPort, ':')
	if colon < 0 {
		hd.Host = hostPort
		return hd, nil
	}

	hd.Host = hostPort[:colon]
	portStr := hostPort[colon+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 {
		return hostDescription{}, fmt.Errorf("remotecache: invalid port %q in host description %q", portStr, s)
	}
	hd.Port = port
	return hd, nil
}
