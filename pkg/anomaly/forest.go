// Package anomaly implements an isolation-forest anomaly model for
// login feature vectors. The forest is trained out-of-band and scored
// in-process; a trained forest is immutable.
package anomaly

import (
	"fmt"
	"math"
	"math/rand"
)

// eulerMascheroni is the gamma constant used by the isolation-forest
// path-length normalisation term c(n).
const eulerMascheroni = 0.5772156649

// Forest is an isolation forest. Scores are in (0,1]: values near 1
// mean short isolation paths (sparse regions), values near 0.5 mean
// typical points. An untrained forest scores every point 0.0 so that
// callers can tell "no model" apart from "looks normal".
type Forest struct {
	trees         []*treeNode
	numTrees      int
	subsampleSize int
	maxDepth      int
	seed          int64
}

type treeNode struct {
	featureIndex int
	splitValue   float64
	size         int
	left         *treeNode
	right        *treeNode
}

func (n *treeNode) external() bool { return n.left == nil && n.right == nil }

// NewForest creates an untrained forest. The seed makes Fit and Score
// reproducible run-to-run for identical training data.
func NewForest(numTrees, subsampleSize int, seed int64) *Forest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if subsampleSize <= 1 {
		subsampleSize = 256
	}
	return &Forest{
		numTrees:      numTrees,
		subsampleSize: subsampleSize,
		maxDepth:      int(math.Ceil(math.Log2(float64(subsampleSize)))),
		seed:          seed,
	}
}

// Trained reports whether Fit has built at least one tree.
func (f *Forest) Trained() bool { return len(f.trees) > 0 }

// Fit builds the forest from the training set. Each tree draws
// subsampleSize rows with replacement.
func (f *Forest) Fit(data [][]float64) error {
	if len(data) == 0 {
		return fmt.Errorf("no training data provided")
	}
	width := len(data[0])
	for _, row := range data {
		if len(row) != width {
			return fmt.Errorf("ragged training data: want %d features, got %d", width, len(row))
		}
	}

	rng := rand.New(rand.NewSource(f.seed))
	trees := make([]*treeNode, f.numTrees)
	n := len(data)
	for i := 0; i < f.numTrees; i++ {
		take := f.subsampleSize
		if n < take {
			take = n
		}
		sample := make([][]float64, take)
		for j := 0; j < take; j++ {
			sample[j] = data[rng.Intn(n)]
		}
		trees[i] = f.buildTree(rng, sample, 0)
	}
	f.trees = trees
	return nil
}

func (f *Forest) buildTree(rng *rand.Rand, data [][]float64, depth int) *treeNode {
	if len(data) == 0 || depth >= f.maxDepth || allIdentical(data) {
		return &treeNode{size: len(data)}
	}

	featureIdx := rng.Intn(len(data[0]))
	minVal, maxVal := featureRange(data, featureIdx)
	if minVal == maxVal {
		return &treeNode{size: len(data)}
	}

	split := minVal + rng.Float64()*(maxVal-minVal)

	var left, right [][]float64
	for _, row := range data {
		if row[featureIdx] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	node := &treeNode{featureIndex: featureIdx, splitValue: split, size: len(data)}
	node.left = f.buildTree(rng, left, depth+1)
	node.right = f.buildTree(rng, right, depth+1)
	return node
}

// Score returns the anomaly score for one point. 0.0 means untrained.
func (f *Forest) Score(point []float64) float64 {
	if len(f.trees) == 0 {
		return 0.0
	}

	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, point, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/avgPathLength(f.subsampleSize))
}

func pathLength(node *treeNode, point []float64, depth int) float64 {
	if node.external() {
		if node.size <= 1 {
			return float64(depth)
		}
		return float64(depth) + avgPathLength(node.size)
	}
	if point[node.featureIndex] < node.splitValue {
		return pathLength(node.left, point, depth+1)
	}
	return pathLength(node.right, point, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful
// BST search over n points. c(n)=0 for n<=1.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+eulerMascheroni) - 2.0*float64(n-1)/float64(n)
}

func allIdentical(data [][]float64) bool {
	if len(data) <= 1 {
		return true
	}
	first := data[0]
	for _, row := range data[1:] {
		if len(row) != len(first) {
			return false
		}
		for j := range row {
			if row[j] != first[j] {
				return false
			}
		}
	}
	return true
}

func featureRange(data [][]float64, idx int) (float64, float64) {
	minVal, maxVal := data[0][idx], data[0][idx]
	for _, row := range data[1:] {
		if row[idx] < minVal {
			minVal = row[idx]
		}
		if row[idx] > maxVal {
			maxVal = row[idx]
		}
	}
	return minVal, maxVal
}
