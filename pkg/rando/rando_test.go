package rando

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlphaNum(t *testing.T) {
	a := StrongRandomAlphaNumChars(32)
	b := StrongRandomAlphaNumChars(32)
	require.Len(t, a, 32)
	require.NotEqual(t, a, b)
	for _, c := range a {
		require.True(t, strings.ContainsRune(alphaNumChars, c))
	}
}

func TestTempDir(t *testing.T) {
	dir, err := TempDir()
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	st, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, st.IsDir())
	require.True(t, strings.HasPrefix(filepath.Base(dir), "materialsearch-"))
}
