package perfstats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.AddSample(40*time.Millisecond, 4)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(40), a.Samples())
	require.Equal(t, 10*time.Millisecond, a.Average())

	a.AddSample(time.Second, 0)
	require.Equal(t, int64(40), a.Samples())

	a.Reset()
	require.Equal(t, int64(0), a.Samples())
}
