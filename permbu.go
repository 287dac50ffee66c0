package hierarchicalforecast

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewPERMBU validates the inputs and the hierarchy structure. PERMBU's
// recursive aggregation assumes every non-root series has exactly one
// parent, so a (tags, S) pair describing overlapping groupings is rejected
// here, before any sampling can run.
func NewPERMBU(S *mat.Dense, tags map[string][]int, yHat, yInsample, yHatInsample, sigmah *mat.Dense, numSamples int, seed int64) (*PERMBU, error) {
	if S == nil || yHat == nil || yInsample == nil || yHatInsample == nil || sigmah == nil {
		return nil, fmt.Errorf("permbu sampler requires S, yHat, yInsample, yHatInsample and sigmah")
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("permbu sampler requires hierarchy tags")
	}

	nBase, _ := S.Dims()
	yr, horizon := yHat.Dims()
	if yr != nBase {
		return nil, fmt.Errorf("yHat must have %d rows to match S, got %d", nBase, yr)
	}
	if sr, sc := sigmah.Dims(); sr != nBase || sc != horizon {
		return nil, fmt.Errorf("sigmah must be %dx%d to match yHat, got %dx%d", nBase, horizon, sr, sc)
	}
	ir, icols := yInsample.Dims()
	fr, fcols := yHatInsample.Dims()
	if ir != nBase || fr != nBase {
		return nil, fmt.Errorf("insample matrices must have %d rows to match S, got %d and %d", nBase, ir, fr)
	}
	if icols != fcols {
		return nil, fmt.Errorf("insample matrices must share a length, got %d and %d columns", icols, fcols)
	}

	if !IsStrictlyHierarchical(S, tags) {
		return nil, fmt.Errorf("permbu reconciliation requires a strictly hierarchical structure")
	}

	src, rng := newSeededGenerator(seed)
	return &PERMBU{
		S:            S,
		tags:         tags,
		yHat:         yHat,
		yInsample:    yInsample,
		yHatInsample: yHatInsample,
		sigmah:       sigmah,
		numSamples:   numSamples,
		src:          src,
		rng:          rng,
	}, nil
}

// hierarchyLinks derives the parent-child structure from S: one row per
// bottom series listing its ancestor row indices from the root down to the
// bottom series itself. Every bottom series must cross the same number of
// levels for the level-synchronous traversal to line up.
func (s *PERMBU) hierarchyLinks() ([][]int, error) {
	links := nonzeroIndexesByRow(s.S.T())
	if len(links) == 0 {
		return nil, fmt.Errorf("summing matrix has no bottom series")
	}
	width := len(links[0])
	for b, row := range links {
		if len(row) != width {
			return nil, fmt.Errorf(
				"bottom series %d crosses %d levels, expected %d", b, len(row), width,
			)
		}
	}
	return links, nil
}

// Samples draws numSamples coherent sample paths. Independent normal
// marginals per series are re-dependenced with the rank permutations of the
// historical residuals and summed level by level up the hierarchy; every
// freshly aggregated parent is given a new random sample order before it is
// treated as a child at the next level up, so parent-level dependence is
// estimated from the parent's own residual ranks rather than inherited from
// the shuffle below it.
//
// The residual matrix is matched to numSamples before ranking: columns are
// resampled with replacement when numSamples exceeds the residual width,
// and truncated to the most recent numSamples columns otherwise, so the
// rank permutations always come from the latest residuals.
func (s *PERMBU) Samples(numSamples int) (SampleTensor, error) {
	if numSamples <= 0 {
		numSamples = s.numSamples
	}

	residuals := reconciliationResiduals(s.yInsample, s.yHatInsample)
	nBase, resCols := residuals.Dims()
	if resCols == 0 {
		return nil, fmt.Errorf("no complete residual columns after missing-value filtering")
	}
	if numSamples <= 0 {
		numSamples = resCols
	}

	// Match the residual width to the requested sample count: expand by
	// resampling columns with replacement, or keep the most recent block.
	if numSamples > resCols {
		expanded := mat.NewDense(nBase, numSamples, nil)
		for k := 0; k < numSamples; k++ {
			idx := s.rng.IntN(resCols)
			for i := 0; i < nBase; i++ {
				expanded.Set(i, k, residuals.At(i, idx))
			}
		}
		residuals = expanded
	} else if numSamples < resCols {
		residuals = mat.DenseCopyOf(residuals.Slice(0, nBase, resCols-numSamples, resCols))
	}

	rankPermutations := obtainRanks(residuals)

	// Independent marginal samples per series and horizon step. These are
	// deliberately uncorrelated across series; the ranks reinstate the
	// dependence afterwards.
	_, horizon := s.yHat.Dims()
	recSamples := newSampleTensor(nBase, horizon, numSamples)
	for i := 0; i < nBase; i++ {
		for t := 0; t < horizon; t++ {
			mu := s.yHat.At(i, t)
			sd := s.sigmah.At(i, t)
			if sd > 0 {
				marginal := distuv.Normal{Mu: mu, Sigma: sd, Src: s.src}
				for k := 0; k < numSamples; k++ {
					recSamples[i][t][k] = marginal.Rand()
				}
			} else {
				for k := 0; k < numSamples; k++ {
					recSamples[i][t][k] = mu
				}
			}
		}
	}

	hierLinks, err := s.hierarchyLinks()
	if err != nil {
		return nil, err
	}

	// Bottom-up traversal, deepest parent/child pairing first.
	hierLevels := len(hierLinks[0]) - 1
	for levelIdx := hierLevels - 1; levelIdx >= 0; levelIdx-- {
		parents, children, Agg := levelAggregation(hierLinks, levelIdx)

		// Restore the empirical dependence of the children ("PERM"), then
		// sum them into their parents ("BU").
		childSamples := make(SampleTensor, len(children))
		childPerms := make([][]int, len(children))
		for ci, c := range children {
			childSamples[ci] = recSamples[c]
			childPerms[ci] = rankPermutations[c]
		}
		permuted := permuteSampleRows(childSamples, childPerms)

		parentSamples := newSampleTensor(len(parents), horizon, numSamples)
		for pi := range parents {
			for ci := range children {
				if Agg.At(pi, ci) == 0 {
					continue
				}
				for t := 0; t < horizon; t++ {
					for k := 0; k < numSamples; k++ {
						parentSamples[pi][t][k] += permuted[ci][t][k]
					}
				}
			}
		}

		// Decorrelate each aggregated parent's sample order before the next
		// level treats it as a child.
		freshPerms := make([][]int, len(parents))
		for pi := range parents {
			freshPerms[pi] = s.rng.Perm(numSamples)
		}
		shuffled := permuteSampleRows(parentSamples, freshPerms)

		// Only the parent rows are overwritten; children and rows processed
		// at deeper levels are left untouched.
		for pi, p := range parents {
			recSamples[p] = shuffled[pi]
		}
	}

	return recSamples, nil
}

// levelAggregation collects the distinct (parent, child) pairs between two
// adjacent hierarchy levels and builds the 0/1 aggregation matrix with the
// distinct parents as rows and the distinct children as columns.
func levelAggregation(hierLinks [][]int, levelIdx int) (parents, children []int, Agg *mat.Dense) {
	type link struct{ parent, child int }
	seen := make(map[link]struct{})
	parentSet := make(map[int]struct{})
	childSet := make(map[int]struct{})
	for _, row := range hierLinks {
		l := link{parent: row[levelIdx], child: row[levelIdx+1]}
		seen[l] = struct{}{}
		parentSet[l.parent] = struct{}{}
		childSet[l.child] = struct{}{}
	}

	parents = sortedKeys(parentSet)
	children = sortedKeys(childSet)

	parentPos := make(map[int]int, len(parents))
	for pi, p := range parents {
		parentPos[p] = pi
	}
	childPos := make(map[int]int, len(children))
	for ci, c := range children {
		childPos[c] = ci
	}

	Agg = mat.NewDense(len(parents), len(children), nil)
	for l := range seen {
		Agg.Set(parentPos[l.parent], childPos[l.child], 1)
	}
	return parents, children, Agg
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// PredictionLevels extracts empirical interval bounds from a fresh batch of
// coherent sample paths.
func (s *PERMBU) PredictionLevels(res *ForecastResult, levels []float64) error {
	samples, err := s.Samples(s.numSamples)
	if err != nil {
		return err
	}
	return attachSampleLevels(res, samples, levels)
}

// PredictionQuantiles extracts empirical quantiles from a fresh batch of
// coherent sample paths.
func (s *PERMBU) PredictionQuantiles(res *ForecastResult, quantiles []float64) error {
	samples, err := s.Samples(s.numSamples)
	if err != nil {
		return err
	}
	return attachSampleQuantiles(res, samples, quantiles)
}
