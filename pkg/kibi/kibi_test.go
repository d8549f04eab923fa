package kibi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKibi(t *testing.T) {
	require.Equal(t, "0 bytes", FormatBytes(0))
	require.Equal(t, "1023 bytes", FormatBytes(1023))
	require.Equal(t, "1 KB", FormatBytes(1024))
	require.Equal(t, "1.5 KB", FormatBytes(1536))
	require.Equal(t, "35 MB", FormatBytes(35*1024*1024))
	require.Equal(t, "256 MB", FormatBytes(256*1024*1024))
	require.Equal(t, "1 GB", FormatBytes(1024*1024*1024))
	require.Equal(t, "2 TB", FormatBytes(2*1024*1024*1024*1024))

	goodParse := func(expected int64, s string) {
		val, err := ParseBytes(s)
		require.NoError(t, err)
		require.Equal(t, expected, val)
	}

	goodParse(0, "0")
	goodParse(12345, "12345")
	goodParse(50, "50 bytes")
	goodParse(50*1024, "50 kb")
	goodParse(50*1024, "50K")
	goodParse(256*1024*1024, "256MB")
	goodParse(1536*1024*1024, "1.5 GB")
	goodParse(50*1024*1024*1024*1024, "50 tb")

	badParse := func(s string) {
		_, err := ParseBytes(s)
		require.Error(t, err)
	}

	badParse("")
	badParse("MB")
	badParse("50 pbz")
	badParse("50.1")
}
