package hierarchicalforecast

import (
	"fmt"
	"strings"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Hierarchy bundles the structural outputs needed by the samplers: the
// summing matrix, the level tags and the ordered series labels. Rows are
// ordered top-down: the "total" root first, then each level's nodes in
// order of first appearance, with the bottom series last, so the bottom
// rows of S restricted to the bottom columns form the identity.
type Hierarchy struct {
	S      *mat.Dense
	Tags   map[string][]int
	Labels []string
}

// NBase returns the total number of series across all levels.
func (h *Hierarchy) NBase() int {
	r, _ := h.S.Dims()
	return r
}

// NBottom returns the number of bottom-level series.
func (h *Hierarchy) NBottom() int {
	_, c := h.S.Dims()
	return c
}

// BuildHierarchy constructs the summing matrix and level tags from the
// bottom series' label paths. Every path must have the same depth; the
// implicit "total" root aggregates everything. levelNames labels the tag of
// each path depth ("state", "store", ...); nil generates "level1".."levelN".
func BuildHierarchy(bottomPaths [][]string, levelNames []string) (*Hierarchy, error) {
	if len(bottomPaths) == 0 {
		return nil, fmt.Errorf("no bottom series provided")
	}
	depth := len(bottomPaths[0])
	if depth == 0 {
		return nil, fmt.Errorf("bottom series paths must have at least one component")
	}
	for b, path := range bottomPaths {
		if len(path) != depth {
			return nil, fmt.Errorf(
				"bottom series %d has depth %d, expected %d", b, len(path), depth,
			)
		}
	}

	if levelNames == nil {
		levelNames = make([]string, depth)
		for d := range levelNames {
			levelNames[d] = fmt.Sprintf("level%d", d+1)
		}
	}
	if len(levelNames) != depth {
		return nil, fmt.Errorf("got %d level names for depth %d", len(levelNames), depth)
	}

	// Collect each level's nodes (label prefixes) in order of first
	// appearance, and remember which bottom columns every node covers.
	type node struct {
		label   string
		bottoms []int
	}
	levels := make([][]node, depth)
	for d := 1; d <= depth; d++ {
		pos := make(map[string]int)
		for b, path := range bottomPaths {
			label := strings.Join(path[:d], "/")
			i, ok := pos[label]
			if !ok {
				i = len(levels[d-1])
				pos[label] = i
				levels[d-1] = append(levels[d-1], node{label: label})
			}
			levels[d-1][i].bottoms = append(levels[d-1][i].bottoms, b)
		}
	}

	nBottom := len(bottomPaths)
	if len(levels[depth-1]) != nBottom {
		return nil, fmt.Errorf("bottom series paths are not unique")
	}

	nBase := 1
	for _, lvl := range levels {
		nBase += len(lvl)
	}

	S := mat.NewDense(nBase, nBottom, nil)
	labels := make([]string, 0, nBase)
	tags := make(map[string][]int, depth+1)

	labels = append(labels, "total")
	tags["total"] = []int{0}
	for j := 0; j < nBottom; j++ {
		S.Set(0, j, 1)
	}

	row := 1
	for d, lvl := range levels {
		idxs := make([]int, 0, len(lvl))
		for _, nd := range lvl {
			labels = append(labels, nd.label)
			for _, b := range nd.bottoms {
				S.Set(row, b, 1)
			}
			idxs = append(idxs, row)
			row++
		}
		tags[levelNames[d]] = idxs
	}

	return &Hierarchy{S: S, Tags: tags, Labels: labels}, nil
}

// BottomUpMatrix returns the bottom-up reconciliation matrix [0 | I]
// (bottom x base): it discards the aggregate base forecasts and passes the
// bottom-level ones through unchanged. S's rows must be ordered with the
// bottom series last, as BuildHierarchy produces them.
func BottomUpMatrix(S *mat.Dense) *mat.Dense {
	nBase, nBottom := S.Dims()
	P := mat.NewDense(nBottom, nBase, nil)
	for i := 0; i < nBottom; i++ {
		P.Set(i, nBase-nBottom+i, 1)
	}
	return P
}

// EstimateSigmah derives per-series forecast standard deviations from the
// insample residuals, replicated across the horizon. It serves callers
// whose base forecaster does not report parametric uncertainty.
func EstimateSigmah(yInsample, yHatInsample *mat.Dense, horizon int) (*mat.Dense, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be > 0, got %d", horizon)
	}

	residuals := reconciliationResiduals(yInsample, yHatInsample)
	nBase, resCols := residuals.Dims()
	if resCols < 2 {
		return nil, fmt.Errorf(
			"need at least 2 complete residual columns to estimate sigmah, got %d", resCols,
		)
	}

	sigmah := mat.NewDense(nBase, horizon, nil)
	for i := 0; i < nBase; i++ {
		sd, err := stats.StandardDeviationSample(residuals.RawRowView(i))
		if err != nil {
			return nil, fmt.Errorf("series %d: %v", i, err)
		}
		for t := 0; t < horizon; t++ {
			sigmah.Set(i, t, sd)
		}
	}
	return sigmah, nil
}

// EstimateResidualCovariance computes the empirical covariance of the
// insample residuals across series, the W input of the Normality sampler.
func EstimateResidualCovariance(yInsample, yHatInsample *mat.Dense) (*mat.SymDense, error) {
	residuals := reconciliationResiduals(yInsample, yHatInsample)
	nBase, resCols := residuals.Dims()
	if resCols < 2 {
		return nil, fmt.Errorf(
			"need at least 2 complete residual columns to estimate W, got %d", resCols,
		)
	}

	W := mat.NewSymDense(nBase, nil)
	stat.CovarianceMatrix(W, residuals.T(), nil)
	return W, nil
}
