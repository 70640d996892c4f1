package remotecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VKCOM/buildcache/internal/cacheentry"
	"github.com/VKCOM/buildcache/internal/hash"
)

const (
	redisConnectTimeout = 100 * time.Millisecond
	redisOpTimeout      = 10 * time.Second
	defaultRedisPort    = 6379
)

// RedisProvider stores raw binary values under the shared buildcache_*
// keying scheme using plain GET/SET (spec.md 4.I), via
// github.com/redis/go-redis/v9.
type RedisProvider struct {
	client *redis.Client
}

// Connect dials hostDescription (default port 6379) with a short connect
// timeout; a nil reply to PING is never expected at this stage, but dial
// failures surface immediately rather than lazily on first use.
func (p *RedisProvider) Connect(hostDescription string) error {
	hd, err := parseHostDescription(hostDescription)
	if err != nil {
		return err
	}
	port := hd.Port
	if port < 0 {
		port = defaultRedisPort
	}

	p.client = redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", hd.Host, port),
		DialTimeout: redisConnectTimeout,
		ReadTimeout: redisOpTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		p.client = nil
		return fmt.Errorf("remotecache(redis): connect to %s: %w", hostDescription, err)
	}
	return nil
}

// IsConnected reports whether Connect succeeded.
func (p *RedisProvider) IsConnected() bool {
	return p.client != nil
}

// Lookup fetches the serialized entry record; a nil reply (key absent) is a
// miss, same as any other error.
func (p *RedisProvider) Lookup(h hash.Hash) (cacheentry.Entry, bool) {
	data, err := p.get(remoteKeyName(h.String(), entryFileName))
	if err != nil {
		return cacheentry.Entry{}, false
	}
	entry, err := cacheentry.Deserialize(data)
	if err != nil {
		return cacheentry.Entry{}, false
	}
	return entry, true
}

// Add writes every artifact plus the entry record with SET, compressing
// artifacts first when entry.CompressionMode is CompressionAll.
func (p *RedisProvider) Add(h hash.Hash, entry cacheentry.Entry, expectedFiles map[string]string) error {
	hashStr := h.String()
	compress := entry.CompressionMode == cacheentry.CompressionAll
	for _, fileID := range entry.FileIDs {
		srcPath, ok := expectedFiles[fileID]
		if !ok {
			return fmt.Errorf("remotecache(redis): no source path for file id %q", fileID)
		}
		data, err := readFileCompressingIfNeeded(srcPath, compress)
		if err != nil {
			return err
		}
		if err := p.set(remoteKeyName(hashStr, fileID), data); err != nil {
			return err
		}
	}
	serialized, err := entry.Serialize(compressFormat, compressLevel)
	if err != nil {
		return err
	}
	return p.set(remoteKeyName(hashStr, entryFileName), serialized)
}

// GetFile fetches one artifact and writes it to targetPath, decompressing
// first when isCompressed is set.
func (p *RedisProvider) GetFile(h hash.Hash, fileID, targetPath string, isCompressed bool) error {
	data, err := p.get(remoteKeyName(h.String(), fileID))
	if err != nil {
		return err
	}
	return writeFileDecompressingIfNeeded(data, targetPath, isCompressed)
}

func (p *RedisProvider) get(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := p.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("remotecache(redis): miss for %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("remotecache(redis): GET %s: %w", key, err)
	}
	return data, nil
}

func (p *RedisProvider) set(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := p.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("remotecache(redis): SET %s: %w", key, err)
	}
	return nil
}
