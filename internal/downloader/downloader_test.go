package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tarGz builds a gzipped tar archive with the given files (name -> contents).
func tarGz(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0644, Size: int64(len(contents)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestDownloadAndUntarIfMissing(t *testing.T) {
	ShowProgressBar = false
	archive := tarGz(t, map[string]string{"batches/a.bin": "abc", "batches/b.bin": "defg"})
	hash := sha256.Sum256(archive)
	numRequests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests++
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	require.NoError(t, DownloadAndUntarIfMissing(server.URL, baseDir, "data.tar.gz", "batches", hex.EncodeToString(hash[:])))
	contents, err := os.ReadFile(filepath.Join(baseDir, "batches", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, "defg", string(contents))

	// Second call finds the extracted directory and doesn't download again.
	require.NoError(t, DownloadAndUntarIfMissing(server.URL, baseDir, "data.tar.gz", "batches", ""))
	assert.Equal(t, 1, numRequests)
}

func TestValidateChecksum(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0644))
	hash := sha256.Sum256([]byte("hello"))
	require.NoError(t, ValidateChecksum(filePath, hex.EncodeToString(hash[:])))

	require.Error(t, ValidateChecksum(filePath, "0000"))
	_, err := os.Stat(filePath)
	assert.True(t, os.IsNotExist(err), "file failing the checksum should be removed")
}

func TestUntarRejectsEscapingPaths(t *testing.T) {
	baseDir := t.TempDir()
	tarFile := filepath.Join(baseDir, "bad.tar.gz")
	require.NoError(t, os.WriteFile(tarFile, tarGz(t, map[string]string{"../escape.txt": "x"}), 0644))
	require.Error(t, Untar(baseDir, tarFile))
}
