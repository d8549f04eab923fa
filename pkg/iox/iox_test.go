package iox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteHashed(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "a.txt")
	hash, err := WriteStreamToFileHashed(fn, strings.NewReader("hello"))
	require.NoError(t, err)
	// sha256("hello")
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)

	again, err := HashFile(fn)
	require.NoError(t, err)
	require.Equal(t, hash, again)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "assets.json")
	require.NoError(t, WriteFileAtomic(fn, []byte("one")))
	require.NoError(t, WriteFileAtomic(fn, []byte("two")))
	b, err := os.ReadFile(fn)
	require.NoError(t, err)
	require.Equal(t, "two", string(b))
	all, _ := filepath.Glob(filepath.Join(dir, "*"))
	require.Len(t, all, 1)
}
