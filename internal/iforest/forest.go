// Package iforest implements the unsupervised anomaly scorer: an isolation
// forest of binary partition trees built from randomly sampled
// feature/threshold splits. A fitted model is immutable and safe for
// concurrent scoring; randomness is confined to fit time.
package iforest

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"marketwatch/internal/models"
)

// Model is a fitted, versioned isolation forest. All fields are read-only
// after Fit or Load.
type Model struct {
	Name          string   `json:"model_name"`
	Version       string   `json:"version"`
	SchemaVersion string   `json:"schema_version"`
	FeatureNames  []string `json:"feature_names"`
	Trees         []*node  `json:"trees"`
	SampleSize    int      `json:"sample_size"`
	HeightLimit   int      `json:"height_limit"`
	Contamination float64  `json:"contamination"`
	// Threshold is the score at the (1 - contamination) quantile of the
	// calibration scores, recorded at fit time.
	Threshold float64 `json:"threshold"`
	Seed      int64   `json:"seed"`
}

type node struct {
	Leaf     bool    `json:"leaf"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *node   `json:"left,omitempty"`
	Right    *node   `json:"right,omitempty"`
}

// FitOptions controls the offline fit step.
type FitOptions struct {
	NumTrees      int
	SampleSize    int
	Seed          int64
	Contamination float64 // expected anomalous fraction of the calibration set
	Name          string
	Version       string
}

func (o *FitOptions) defaults() {
	if o.NumTrees <= 0 {
		o.NumTrees = 100
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 256
	}
	if o.Contamination <= 0 || o.Contamination >= 1 {
		o.Contamination = 0.005
	}
	if o.Name == "" {
		o.Name = "isolation_forest"
	}
	if o.Version == "" {
		o.Version = "v1"
	}
}

// Fit builds a forest from calibration data and calibrates the score
// threshold against the expected contamination rate. Deterministic for a
// given (data, options) pair: all randomness comes from the seeded source.
func Fit(data [][]float64, featureNames []string, opts FitOptions) (*Model, error) {
	opts.defaults()
	if len(data) == 0 {
		return nil, fmt.Errorf("fit: calibration data is empty")
	}
	dim := len(featureNames)
	if dim == 0 {
		return nil, fmt.Errorf("fit: feature names are required")
	}
	for i, row := range data {
		if len(row) != dim {
			return nil, fmt.Errorf("fit: row %d has %d values, want %d", i, len(row), dim)
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	sampleSize := opts.SampleSize
	if sampleSize > len(data) {
		sampleSize = len(data)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))
	if heightLimit < 1 {
		heightLimit = 1
	}

	m := &Model{
		Name:          opts.Name,
		Version:       opts.Version,
		SchemaVersion: models.FeatureSchemaVersion,
		FeatureNames:  append([]string(nil), featureNames...),
		Trees:         make([]*node, opts.NumTrees),
		SampleSize:    sampleSize,
		HeightLimit:   heightLimit,
		Contamination: opts.Contamination,
		Seed:          opts.Seed,
	}

	for i := range m.Trees {
		// Subsample without replacement.
		idxs := rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range idxs {
			sample[j] = data[idx]
		}
		m.Trees[i] = buildTree(sample, 0, heightLimit, rng)
	}

	m.Threshold = m.calibrate(data)
	return m, nil
}

func buildTree(x [][]float64, height, limit int, rng *rand.Rand) *node {
	if len(x) <= 1 || height >= limit {
		return &node{Leaf: true, Size: len(x)}
	}
	dim := rng.Intn(len(x[0]))
	minV, maxV := x[0][dim], x[0][dim]
	for _, row := range x[1:] {
		if row[dim] < minV {
			minV = row[dim]
		}
		if row[dim] > maxV {
			maxV = row[dim]
		}
	}
	if minV == maxV {
		return &node{Leaf: true, Size: len(x)}
	}
	split := minV + rng.Float64()*(maxV-minV)
	var left, right [][]float64
	for _, row := range x {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{Leaf: true, Size: len(x)}
	}
	return &node{
		Dim:      dim,
		SplitVal: split,
		Left:     buildTree(left, height+1, limit, rng),
		Right:    buildTree(right, height+1, limit, rng),
	}
}

// calibrate scores the calibration set and returns the score at the
// (1 - contamination) quantile, the cut above which observations are as rare
// as the expected anomaly fraction.
func (m *Model) calibrate(data [][]float64) float64 {
	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = m.rawScore(row)
	}
	sort.Float64s(scores)
	idx := int(math.Ceil(float64(len(scores))*(1-m.Contamination))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	return scores[idx]
}

// cFactor is c(n), the average unsuccessful-search path length in a BST,
// used to normalize path depths.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	const eulerGamma = 0.5772156649
	return 2.0*(math.Log(float64(n-1))+eulerGamma) - 2.0*float64(n-1)/float64(n)
}

// pathLength walks one tree. When splitCounts is non-nil it accumulates, per
// feature index, the number of path splits on that feature; this is the raw
// material of the explanation and involves no randomness.
func pathLength(nd *node, x []float64, depth int, splitCounts []int) float64 {
	for !nd.Leaf {
		if splitCounts != nil {
			splitCounts[nd.Dim]++
		}
		if x[nd.Dim] < nd.SplitVal {
			nd = nd.Left
		} else {
			nd = nd.Right
		}
		depth++
	}
	if nd.Size <= 1 {
		return float64(depth)
	}
	return float64(depth) + cFactor(nd.Size)
}

func (m *Model) rawScore(x []float64) float64 {
	sum := 0.0
	for _, t := range m.Trees {
		sum += pathLength(t, x, 0, nil)
	}
	avg := sum / float64(len(m.Trees))
	c := cFactor(m.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -avg/c)
}

// Score returns the normalized anomaly score in [0, 1] for a feature
// vector; higher means more isolated. The vector must match the model's
// schema exactly or the call fails with ErrInvalidFeatureVector.
func (m *Model) Score(fv models.FeatureVector) (float64, error) {
	if err := m.checkInput(fv); err != nil {
		return 0, err
	}
	return m.rawScore(fv.Values), nil
}

// Ref identifies the model artifact as name:version.
func (m *Model) Ref() string {
	return m.Name + ":" + m.Version
}

func (m *Model) checkInput(fv models.FeatureVector) error {
	if m == nil || len(m.Trees) == 0 {
		return models.ErrModelUnavailable
	}
	if fv.SchemaVersion != m.SchemaVersion {
		return fmt.Errorf("%w: vector schema %q, model trained on %q",
			models.ErrInvalidFeatureVector, fv.SchemaVersion, m.SchemaVersion)
	}
	if len(fv.Values) != len(m.FeatureNames) {
		return fmt.Errorf("%w: got %d values, model expects %d",
			models.ErrInvalidFeatureVector, len(fv.Values), len(m.FeatureNames))
	}
	for i, v := range fv.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: feature %s is %v", models.ErrInvalidFeatureVector, m.FeatureNames[i], v)
		}
	}
	return nil
}
