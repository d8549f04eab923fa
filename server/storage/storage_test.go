package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	ok, err := Exists(s, "upload/abc")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, WriteFile(s, "upload/abc", bytes.NewReader([]byte("hello"))))
	ok, err = Exists(s, "upload/abc")
	require.NoError(t, err)
	require.True(t, ok)

	b, err := ReadFile(s, "upload/abc")
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	_, err = os.Stat(filepath.Join(s.Root, "upload", "abc"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteFile("upload/abc"))
	_, err = s.ReadFile("upload/abc")
	require.True(t, errors.Is(err, os.ErrNotExist))

	_, err = s.WriteFile("../escape")
	require.Error(t, err)
	_, err = s.ReadFile("a/../../b")
	require.Error(t, err)
	_, err = s.ReadFile("/etc/passwd")
	require.Error(t, err)
	_, err = s.ReadFile("a//b")
	require.Error(t, err)
}

func TestClipOfDottedFilename(t *testing.T) {
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	name := ClipName("/videos/wow..trip.mp4", 0, 4)
	require.NoError(t, WriteFile(s, name, bytes.NewReader([]byte("clip"))))
	b, err := ReadFile(s, name)
	require.NoError(t, err)
	require.Equal(t, "clip", string(b))
	require.NoError(t, s.DeleteFile(name))
}

func TestNames(t *testing.T) {
	require.Equal(t, "upload/abc", UploadName("abc"))
	a := ClipName("/videos/a/clip.mp4", 3, 9)
	b := ClipName("/videos/b/clip.mp4", 3, 9)
	require.NotEqual(t, a, b)
	require.Regexp(t, `^clips/3_9_[0-9a-f]{16}_clip\.mp4$`, a)
	require.Regexp(t, `^clips/0_4_[0-9a-f]{16}_my_holiday__1_\.mp4$`, ClipName(`/videos/my holiday\(1).mp4`, 0, 4))
}
