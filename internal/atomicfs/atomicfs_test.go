package atomicfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	h := Hash([]byte("Hello, World!"))
	assert.Len(t, h, 64)

	h2 := Hash([]byte("Hello, World!"))
	assert.Equal(t, h, h2)

	assert.NotEqual(t, h, Hash([]byte("Different content")))
}

func TestHashEmptyContent(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hash(nil))
}

func TestVerifyFileIntegrity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	content := []byte("Test content for integrity")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	ok, err := VerifyFileIntegrity(path, Hash(content))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyFileIntegrity(path, Hash([]byte("Different content")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyFileIntegrityNotFound(t *testing.T) {
	_, err := VerifyFileIntegrity("/nonexistent/file.txt", "somehash")
	assert.Error(t, err)
}

func TestAtomicCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.txt")
	dst := filepath.Join(dir, "dest.txt")
	content := []byte("Content to copy atomically")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	hash, err := AtomicCopy(src, dst)
	require.NoError(t, err)
	assert.Equal(t, Hash(content), hash)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAtomicCopyCreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.txt")
	dst := filepath.Join(dir, "subdir", "nested", "dest.txt")
	content := []byte("Content for nested copy")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	_, err := AtomicCopy(src, dst)
	require.NoError(t, err)
	assert.FileExists(t, dst)
}

func TestAtomicCopySourceNotFound(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "nonexistent.txt")
	dst := filepath.Join(dir, "dest.txt")

	_, err := AtomicCopy(src, dst)
	assert.Error(t, err)
	assert.NoFileExists(t, dst)
}

func TestAtomicCopyOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.txt")
	dst := filepath.Join(dir, "dest.txt")
	require.NoError(t, os.WriteFile(src, []byte("New content"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("Old content"), 0o644))

	_, err := AtomicCopy(src, dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "New content", string(got))
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	content := []byte("Content to write atomically")

	hash, err := AtomicWrite(path, content)
	require.NoError(t, err)
	assert.Equal(t, Hash(content), hash)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAtomicWriteEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")

	hash, err := AtomicWrite(path, nil)
	require.NoError(t, err)
	assert.Equal(t, Hash(nil), hash)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAtomicWriteLargeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "large.txt")

	content := make([]byte, 1024*1024)
	for i := range content {
		content[i] = byte(i % 256)
	}

	_, err := AtomicWrite(path, content)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAtomicWriteNoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	_, err := AtomicWrite(path, []byte("Test content"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test.txt", entries[0].Name())
}

func TestAtomicWriteString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	content := "String content with unicode: 你好世界"

	hash, err := AtomicWriteString(path, content)
	require.NoError(t, err)
	assert.Equal(t, Hash([]byte(content)), hash)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestAtomicWriteHashMismatchLeavesDestinationUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("pristine"), 0o644))

	orig := hashFileFn
	hashFileFn = func(string) (string, error) { return "corrupted-digest", nil }
	t.Cleanup(func() { hashFileFn = orig })

	_, err := AtomicWrite(path, []byte("replacement"))
	require.ErrorIs(t, err, ErrHashMismatch)

	content, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "pristine", string(content))

	// The failed temp file is cleaned up too.
	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Len(t, entries, 1)
}
