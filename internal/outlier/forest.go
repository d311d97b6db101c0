package outlier

import (
	"context"
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649015329

// node is one node of an isolation tree stored in a flat slice.
// Leaves have feature == -1 and size holding the number of training samples that reached them.
type node struct {
	feature   int
	threshold float64
	left      int
	right     int
	size      int
}

type tree struct {
	nodes []node
}

// Forest is a fitted isolation forest.
type Forest struct {
	trees      []tree
	maxSamples int
}

// ForestParams configures Fit.
type ForestParams struct {
	Estimators int
	MaxSamples int
	Seed       int64
}

// Fit grows an isolation forest over rows. Every tree draws its own subsample
// without replacement from a single seeded source, so identical rows in identical
// order always produce the identical forest.
func Fit(ctx context.Context, rows [][]float64, p ForestParams) (*Forest, error) {
	n := len(rows)
	psi := p.MaxSamples
	if psi <= 0 || psi > n {
		psi = n
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))

	rng := rand.New(rand.NewSource(p.Seed))
	f := &Forest{
		trees:      make([]tree, 0, p.Estimators),
		maxSamples: psi,
	}

	idx := make([]int, n)
	for t := 0; t < p.Estimators; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range idx {
			idx[i] = i
		}
		// partial Fisher-Yates gives the first psi entries as the subsample
		for i := 0; i < psi; i++ {
			j := i + rng.Intn(n-i)
			idx[i], idx[j] = idx[j], idx[i]
		}
		sample := make([]int, psi)
		copy(sample, idx[:psi])

		tr := tree{}
		tr.grow(rows, sample, 0, maxDepth, rng)
		f.trees = append(f.trees, tr)
	}
	return f, nil
}

// grow appends the subtree for sample and returns its node index.
func (t *tree) grow(rows [][]float64, sample []int, depth, maxDepth int, rng *rand.Rand) int {
	id := len(t.nodes)
	t.nodes = append(t.nodes, node{feature: -1, size: len(sample)})
	if depth >= maxDepth || len(sample) <= 1 {
		return id
	}

	width := len(rows[sample[0]])
	features := rng.Perm(width)
	for _, feat := range features {
		lo, hi := rows[sample[0]][feat], rows[sample[0]][feat]
		for _, s := range sample[1:] {
			v := rows[s][feat]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi <= lo {
			continue
		}

		threshold := lo + rng.Float64()*(hi-lo)
		if threshold <= lo {
			threshold = math.Nextafter(lo, hi)
		}
		var left, right []int
		for _, s := range sample {
			if rows[s][feat] < threshold {
				left = append(left, s)
			} else {
				right = append(right, s)
			}
		}

		l := t.grow(rows, left, depth+1, maxDepth, rng)
		r := t.grow(rows, right, depth+1, maxDepth, rng)
		t.nodes[id] = node{feature: feat, threshold: threshold, left: l, right: r, size: len(sample)}
		return id
	}

	// every feature is constant within this node
	return id
}

// pathLength returns the isolation depth of row, adjusted for the leaf population.
func (t *tree) pathLength(row []float64) float64 {
	i, depth := 0, 0
	for t.nodes[i].feature >= 0 {
		nd := t.nodes[i]
		if row[nd.feature] < nd.threshold {
			i = nd.left
		} else {
			i = nd.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.nodes[i].size)
}

// Score returns the anomaly score of row in [-1, 0]. Lower values are more anomalous.
func (f *Forest) Score(row []float64) float64 {
	var total float64
	for i := range f.trees {
		total += f.trees[i].pathLength(row)
	}
	denom := float64(len(f.trees)) * averagePathLength(f.maxSamples)
	ratio := 1.0
	if denom != 0 {
		ratio = total / denom
	}
	return -math.Pow(2, -ratio)
}

// averagePathLength is the expected path length of an unsuccessful search in a
// binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
