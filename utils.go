package hierarchicalforecast

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// CovToCorr converts a covariance matrix into the corresponding correlation
// matrix by dividing each entry by the outer product of the marginal
// standard deviations.
func CovToCorr(W mat.Symmetric) *mat.SymDense {
	n := W.SymmetricDim()
	std := make([]float64, n)
	for i := 0; i < n; i++ {
		std[i] = math.Sqrt(W.At(i, i))
	}

	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			corr.SetSym(i, j, W.At(i, j)/(std[i]*std[j]))
		}
	}
	return corr
}

// IsStrictlyHierarchical reports whether the (S, tags) pair describes a
// tree: every bottom series must have exactly one ancestor node per level.
// The check counts distinct root-to-leaf paths over the non-bottom levels
// and compares them with the node count of the deepest non-bottom level.
// Grouped structures with overlapping nodes fail the comparison.
func IsStrictlyHierarchical(S *mat.Dense, tags map[string][]int) bool {
	_, nBottom := S.Dims()
	if len(tags) < 2 {
		// A lone level cannot cross-link anything.
		return true
	}

	// Sort levels from the top (fewest nodes) down, dropping the bottom one.
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(tags[names[i]]) != len(tags[names[j]]) {
			return len(tags[names[i]]) < len(tags[names[j]])
		}
		return names[i] < names[j]
	})
	names = names[:len(names)-1]

	// For each remaining level, assign every bottom column to the node of
	// that level whose S row covers it (first nonzero wins, as in argmax).
	assign := make([][]int, len(names))
	for li, name := range names {
		rows := tags[name]
		assign[li] = make([]int, nBottom)
		for j := 0; j < nBottom; j++ {
			node := 0
			for ni, r := range rows {
				if S.At(r, j) != 0 {
					node = ni
					break
				}
			}
			assign[li][j] = node
		}
	}

	// Count distinct paths through the non-bottom levels.
	paths := make(map[string]struct{}, nBottom)
	for j := 0; j < nBottom; j++ {
		key := ""
		for li := range assign {
			key += strconv.Itoa(assign[li][j]) + "/"
		}
		paths[key] = struct{}{}
	}

	deepest := names[len(names)-1]
	return len(paths) == len(tags[deepest])
}

// reconciliationResiduals computes insample actuals minus fitted values and
// drops every time column containing a missing value in any series: a
// single NaN removes that time index for all series.
func reconciliationResiduals(yInsample, yHatInsample *mat.Dense) *mat.Dense {
	n, cols := yInsample.Dims()

	var data []float64
	kept := 0
	for t := 0; t < cols; t++ {
		col := make([]float64, n)
		ok := true
		for i := 0; i < n; i++ {
			col[i] = yInsample.At(i, t) - yHatInsample.At(i, t)
			if math.IsNaN(col[i]) {
				ok = false
				break
			}
		}
		if ok {
			data = append(data, col...)
			kept++
		}
	}

	if kept == 0 {
		return mat.NewDense(n, 0, nil)
	}

	// data is column-major over kept columns; transpose into row-major.
	res := mat.NewDense(n, kept, nil)
	for t := 0; t < kept; t++ {
		for i := 0; i < n; i++ {
			res.Set(i, t, data[t*n+i])
		}
	}
	return res
}

// obtainRanks computes per-row rank permutations along the sample axis:
// each value maps to its order-statistic index, ties broken by stable sort.
// Example row [4, 2, 7, 1] -> [2, 1, 3, 0].
func obtainRanks(m *mat.Dense) [][]int {
	rows, cols := m.Dims()
	ranks := make([][]int, rows)
	order := make([]int, cols)
	for i := 0; i < rows; i++ {
		for j := range order {
			order[j] = j
		}
		row := m.RawRowView(i)
		sort.SliceStable(order, func(a, b int) bool {
			return row[order[a]] < row[order[b]]
		})
		ranks[i] = make([]int, cols)
		for pos, j := range order {
			ranks[i][j] = pos
		}
	}
	return ranks
}

// permuteSampleRows reorders samples along the sample axis, one permutation
// per local series row, applied identically at every horizon step:
// out[i][t][k] = src[i][t][perms[i][k]].
func permuteSampleRows(src SampleTensor, perms [][]int) SampleTensor {
	n, horizon, numSamples := src.Dims()
	out := newSampleTensor(n, horizon, numSamples)
	for i := 0; i < n; i++ {
		for t := 0; t < horizon; t++ {
			for k := 0; k < numSamples; k++ {
				out[i][t][k] = src[i][t][perms[i][k]]
			}
		}
	}
	return out
}

// nonzeroIndexesByRow returns, for each row of M, the ascending column
// indices holding nonzero entries.
func nonzeroIndexesByRow(M mat.Matrix) [][]int {
	rows, cols := M.Dims()
	out := make([][]int, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if M.At(i, j) != 0 {
				out[i] = append(out[i], j)
			}
		}
	}
	return out
}

// sortedQuantile returns the empirical q-quantile of pre-sorted samples
// using linear interpolation between order statistics.
func sortedQuantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}

	pos := q * float64(n-1)
	idxBelow := int(math.Floor(pos))
	idxAbove := int(math.Ceil(pos))
	if idxAbove == idxBelow {
		return sorted[idxBelow]
	}

	weight := pos - float64(idxBelow)
	return sorted[idxBelow]*(1.0-weight) + sorted[idxAbove]*weight
}

// empiricalQuantile sorts a copy of samples and evaluates the q-quantile.
func empiricalQuantile(samples []float64, q float64) float64 {
	tmp := make([]float64, len(samples))
	copy(tmp, samples)
	sort.Float64s(tmp)
	return sortedQuantile(tmp, q)
}

// levelKey formats interval field names like "lo-80" or "hi-99.5".
func levelKey(prefix string, level float64) string {
	return prefix + "-" + strconv.FormatFloat(level, 'g', -1, 64)
}

func validateLevels(levels []float64) error {
	if len(levels) == 0 {
		return fmt.Errorf("no prediction levels requested")
	}
	for _, lv := range levels {
		if lv <= 0 || lv >= 100 {
			return fmt.Errorf("prediction level must be in (0, 100), got %v", lv)
		}
	}
	return nil
}

func validateQuantiles(quantiles []float64) error {
	if len(quantiles) == 0 {
		return fmt.Errorf("no quantiles requested")
	}
	for _, q := range quantiles {
		if q <= 0 || q >= 1 {
			return fmt.Errorf("quantile must be in (0, 1), got %v", q)
		}
	}
	return nil
}

// attachSampleLevels extracts empirical lo/hi interval bounds from the
// sample tensor: lo at (100-level)/200 and hi at that plus level/100.
func attachSampleLevels(res *ForecastResult, samples SampleTensor, levels []float64) error {
	if res == nil || res.Fields == nil {
		return fmt.Errorf("nil forecast result")
	}
	if err := validateLevels(levels); err != nil {
		return err
	}

	n, horizon, numSamples := samples.Dims()
	lo := make([]*mat.Dense, len(levels))
	hi := make([]*mat.Dense, len(levels))
	for li := range levels {
		lo[li] = mat.NewDense(n, horizon, nil)
		hi[li] = mat.NewDense(n, horizon, nil)
	}

	sorted := make([]float64, numSamples)
	for i := 0; i < n; i++ {
		for t := 0; t < horizon; t++ {
			copy(sorted, samples[i][t])
			sort.Float64s(sorted)
			for li, lv := range levels {
				minQ := (100 - lv) / 200
				maxQ := minQ + lv/100
				lo[li].Set(i, t, sortedQuantile(sorted, minQ))
				hi[li].Set(i, t, sortedQuantile(sorted, maxQ))
			}
		}
	}

	for li, lv := range levels {
		res.Fields[levelKey("lo", lv)] = lo[li]
		res.Fields[levelKey("hi", lv)] = hi[li]
	}
	return nil
}

// attachSampleQuantiles extracts empirical quantiles from the sample tensor
// into res.Quantiles, shaped series x horizon x len(quantiles).
func attachSampleQuantiles(res *ForecastResult, samples SampleTensor, quantiles []float64) error {
	if res == nil || res.Fields == nil {
		return fmt.Errorf("nil forecast result")
	}
	if err := validateQuantiles(quantiles); err != nil {
		return err
	}

	n, horizon, numSamples := samples.Dims()
	out := newSampleTensor(n, horizon, len(quantiles))

	sorted := make([]float64, numSamples)
	for i := 0; i < n; i++ {
		for t := 0; t < horizon; t++ {
			copy(sorted, samples[i][t])
			sort.Float64s(sorted)
			for qi, q := range quantiles {
				out[i][t][qi] = sortedQuantile(sorted, q)
			}
		}
	}

	res.Quantiles = out
	return nil
}
