package remotecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VKCOM/buildcache/internal/cacheentry"
	"github.com/VKCOM/buildcache/internal/hash"
)

const contentTypeOctetStream = "application/octet-stream"

// HTTPProvider speaks plain GET/PUT against a base URL, the simplest of the
// three remote providers (spec.md 4.I): 200/201 are success, 404 is a miss,
// anything else raises.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// Connect validates hostDescription and records the base URL; it never
// performs network I/O (HTTP has no persistent connection state to verify
// up front).
func (p *HTTPProvider) Connect(hostDescription string) error {
	hd, err := parseHostDescription(hostDescription)
	if err != nil {
		return err
	}
	port := hd.Port
	if port < 0 {
		port = 80
	}
	path := hd.Path
	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	p.baseURL = fmt.Sprintf("http://%s:%d%s", hd.Host, port, path)
	p.client = &http.Client{Timeout: 10 * time.Second}
	return nil
}

// IsConnected reports whether Connect has configured a base URL.
func (p *HTTPProvider) IsConnected() bool {
	return p.baseURL != ""
}

func (p *HTTPProvider) objectURL(key string) string {
	return p.baseURL + "/" + key
}

// Lookup fetches the serialized entry record; any non-2xx status (most
// commonly 404) is reported as a miss.
func (p *HTTPProvider) Lookup(h hash.Hash) (cacheentry.Entry, bool) {
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

// Add uploads every file id's data (entries are always stored with
// CompressionAll by the cache engine before calling Add, so each artifact
// is compressed here before the PUT) plus the serialized entry record itself.
func (p *HTTPProvider) Add(h hash.Hash, entry cacheentry.Entry, expectedFiles map[string]string) error {
	hashStr := h.String()
	compress := entry.CompressionMode == cacheentry.CompressionAll
	for _, fileID := range entry.FileIDs {
		srcPath, ok := expectedFiles[fileID]
		if !ok {
			return fmt.Errorf("remotecache(http): no source path for file id %q", fileID)
		}
		data, err := readFileCompressingIfNeeded(srcPath, compress)
		if err != nil {
			return err
		}
		if err := p.put(remoteKeyName(hashStr, fileID), data); err != nil {
			return err
		}
	}
	serialized, err := entry.Serialize(compressFormat, compressLevel)
	if err != nil {
		return err
	}
	return p.put(remoteKeyName(hashStr, entryFileName), serialized)
}

// GetFile fetches one artifact's raw bytes and writes it to targetPath,
// decompressing first when isCompressed is set.
func (p *HTTPProvider) GetFile(h hash.Hash, fileID, targetPath string, isCompressed bool) error {
	data, err := p.get(remoteKeyName(h.String(), fileID))
	if err != nil {
		return err
	}
	return writeFileDecompressingIfNeeded(data, targetPath, isCompressed)
}

func (p *HTTPProvider) get(key string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, p.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeOctetStream)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remotecache(http): GET %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("remotecache(http): miss for %s", key)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remotecache(http): GET %s responded %d: %s", key, resp.StatusCode, body)
	}
	return body, nil
}

func (p *HTTPProvider) put(key string, data []byte) error {
	req, err := http.NewRequest(http.MethodPut, p.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeOctetStream)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("remotecache(http): PUT %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("remotecache(http): PUT %s responded %d: %s", key, resp.StatusCode, body)
	}
	return nil
}
