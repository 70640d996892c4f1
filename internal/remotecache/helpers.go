package remotecache

import (
	"os"

	"github.com/VKCOM/buildcache/internal/codec"
)

// compressFormat/compressLevel select the codec used when a provider's Add
// uploads a CompressionAll entry's artifacts. cmd/buildcache wires these
// from the config via SetCompression at process start, mirroring the CredentialsProvider
// hook's "package-level, set once" shape; tests rely on the ZSTD/-1 default.
var (
	compressFormat = codec.FormatZSTD
	compressLevel  = -1
)

// SetCompression overrides the codec every provider compresses artifacts
// with on Add, per config.CompressFormat/CompressLevel.
func SetCompression(format codec.Format, level int) {
	compressFormat = format
	compressLevel = level
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// readFileCompressingIfNeeded reads path and, when compress is set,
// compresses the bytes with the package's configured codec before
// returning them - the write-side counterpart to
// writeFileDecompressingIfNeeded below.
func readFileCompressingIfNeeded(path string, compress bool) ([]byte, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if !compress {
		return data, nil
	}
	return codec.Compress(data, compressFormat, compressLevel)
}

// writeFileDecompressingIfNeeded writes data to targetPath, decompressing
// it first when isCompressed is set (remote entries are always stored
// compressed, but individual GetFile callers decide per-call whether the
// object they fetched needs decompression, matching the local cache's
// symmetric contract).
func writeFileDecompressingIfNeeded(data []byte, targetPath string, isCompressed bool) error {
	if isCompressed {
		decoded, err := codec.Decompress(data)
		if err != nil {
			return err
		}
		data = decoded
	}
	return os.WriteFile(targetPath, data, 0o644)
}
