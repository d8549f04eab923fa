package search

import (
	"runtime"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
)

// Above this many rows, MatchBatch scores in parallel
const parallelMatchThreshold = 1024

func dot(a, b []float32) float32 {
	n := min(len(a), len(b))
	sum := float32(0)
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(a []float32) float32 {
	return math32.Sqrt(dot(a, a))
}

// Cosine similarity of a and b. Returns 0 if either vector has zero magnitude.
func Cosine(a, b []float32) float32 {
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

// MatchBatch returns the cosine similarity between pos and every feature.
// If pos is nil, every score is 1.
// Scores below posThreshold/100 are zeroed, as are scores whose similarity to neg
// is above negThreshold/100.
func MatchBatch(pos, neg []float32, features [][]float32, posThreshold, negThreshold float32) []float32 {
	scores := make([]float32, len(features))
	posNorm := norm(pos)
	negNorm := norm(neg)
	minPos := posThreshold / 100
	maxNeg := negThreshold / 100

	scoreRange := func(start, end int) {
		for i := start; i < end; i++ {
			f := features[i]
			fn := norm(f)
			s := float32(1)
			if pos != nil {
				s = 0
				if fn != 0 && posNorm != 0 {
					s = dot(pos, f) / (fn * posNorm)
				}
			}
			if s < minPos {
				s = 0
			}
			if neg != nil && fn != 0 && negNorm != 0 && dot(neg, f)/(fn*negNorm) > maxNeg {
				s = 0
			}
			scores[i] = s
		}
	}

	if len(features) <= parallelMatchThreshold {
		scoreRange(0, len(features))
		return scores
	}

	nthreads := runtime.NumCPU()
	chunk := (len(features) + nthreads - 1) / nthreads
	var g errgroup.Group
	for start := 0; start < len(features); start += chunk {
		end := min(start+chunk, len(features))
		g.Go(func() error {
			scoreRange(start, end)
			return nil
		})
	}
	g.Wait()
	return scores
}
