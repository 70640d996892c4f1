package remotecache

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VKCOM/buildcache/internal/cacheentry"
	"github.com/VKCOM/buildcache/internal/hash"
)

// S3Provider speaks the same plain GET/PUT shape as HTTPProvider but signs
// every request with the legacy S3 "AWS access:signature" scheme (not
// SigV4), which no maintained S3 SDK implements - so requests are built and
// signed directly on net/http + crypto/hmac + crypto/sha1, reproducing
// original_source/src/cache/s3_cache_provider.cpp's canonical string
// exactly: "METHOD\n\nCONTENT-TYPE\nDATE\nPATH".
type S3Provider struct {
	host   string
	port   int
	path   string
	access string
	secret string
	client *http.Client
}

// S3Credentials supplies the access/secret pair; callers populate this from
// configuration before Connect is reachable through Dial, so Connect reads
// them via the package-level CredentialsProvider hook.
type S3Credentials struct {
	Access string
	Secret string
}

// CredentialsProvider is consulted by S3Provider.Connect for the
// access/secret pair. cmd/buildcache wires this to the config's S3
// settings at process start; tests can stub it directly.
var CredentialsProvider = func() (S3Credentials, error) {
	return S3Credentials{}, fmt.Errorf("remotecache(s3): no credentials provider configured")
}

// Connect parses hostDescription, defaults the port to 80 (matching AWS
// S3's plain-HTTP default; S3-compatible services like MinIO commonly
// override it), and loads credentials via CredentialsProvider.
func (p *S3Provider) Connect(hostDescription string) error {
	hd, err := parseHostDescription(hostDescription)
	if err != nil {
		return err
	}
	p.host = hd.Host
	p.port = hd.Port
	if p.port < 0 {
		p.port = 80
	}
	p.path = hd.Path
	if p.path != "" && p.path[0] != '/' {
		p.path = "/" + p.path
	}

	creds, err := CredentialsProvider()
	if err != nil {
		return fmt.Errorf("remotecache(s3): missing S3 credentials: %w", err)
	}
	if creds.Access == "" || creds.Secret == "" {
		return fmt.Errorf("remotecache(s3): missing S3 credentials (BUILDCACHE_S3_ACCESS / BUILDCACHE_S3_SECRET)")
	}
	p.access, p.secret = creds.Access, creds.Secret
	p.client = &http.Client{Timeout: 10 * time.Second}
	return nil
}

// IsConnected reports whether Connect succeeded.
func (p *S3Provider) IsConnected() bool {
	return p.access != ""
}

func (p *S3Provider) objectURL(key string) string {
	return fmt.Sprintf("http://%s:%d%s/%s", p.host, p.port, p.path, key)
}

// signString HMAC-SHA1-signs str with the secret key and base64-encodes
// the result, exactly as sign_string does in the original.
func signString(secret, str string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(str))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// dateRFC2616GMT formats the current time per RFC 2616, e.g.
// "Mon, 02 Jan 2006 15:04:05 GMT" - Go's reference-layout formatting is
// locale-independent, matching the original's explicit "C" locale switch.
func dateRFC2616GMT() string {
	return time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

func (p *S3Provider) canonicalString(method, date, relativePath string) string {
	return method + "\n\n" + contentTypeOctetStream + "\n" + date + "\n" + relativePath
}

// Lookup fetches the serialized entry record; any failure (including 404)
// is reported as a miss.
func (p *S3Provider) Lookup(h hash.Hash) (cacheentry.Entry, bool) {
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

// Add uploads every artifact plus the entry record, each individually
// signed; artifacts are compressed first when entry.CompressionMode is
// CompressionAll, matching what GetFile expects to decompress on read.
func (p *S3Provider) Add(h hash.Hash, entry cacheentry.Entry, expectedFiles map[string]string) error {
	hashStr := h.String()
	compress := entry.CompressionMode == cacheentry.CompressionAll
	for _, fileID := range entry.FileIDs {
		srcPath, ok := expectedFiles[fileID]
		if !ok {
			return fmt.Errorf("remotecache(s3): no source path for file id %q", fileID)
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

// GetFile fetches one artifact and writes it to targetPath, decompressing
// first when isCompressed is set.
func (p *S3Provider) GetFile(h hash.Hash, fileID, targetPath string, isCompressed bool) error {
	data, err := p.get(remoteKeyName(h.String(), fileID))
	if err != nil {
		return err
	}
	return writeFileDecompressingIfNeeded(data, targetPath, isCompressed)
}

func (p *S3Provider) get(key string) ([]byte, error) {
	relativePath := p.path + "/" + key
	date := dateRFC2616GMT()
	signature := signString(p.secret, p.canonicalString(http.MethodGet, date, relativePath))

	req, err := http.NewRequest(http.MethodGet, p.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Date", date)
	req.Header.Set("Content-Type", contentTypeOctetStream)
	req.Header.Set("Authorization", "AWS "+p.access+":"+signature)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remotecache(s3): GET %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("remotecache(s3): miss for %s", key)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remotecache(s3): GET %s responded %d: %s", key, resp.StatusCode, body)
	}
	return body, nil
}

func (p *S3Provider) put(key string, data []byte) error {
	relativePath := p.path + "/" + key
	date := dateRFC2616GMT()
	signature := signString(p.secret, p.canonicalString(http.MethodPut, date, relativePath))

	req, err := http.NewRequest(http.MethodPut, p.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Date", date)
	req.Header.Set("Content-Type", contentTypeOctetStream)
	req.Header.Set("Authorization", "AWS "+p.access+":"+signature)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("remotecache(s3): PUT %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("remotecache(s3): PUT %s responded %d: %s", key, resp.StatusCode, body)
	}
	return nil
}
