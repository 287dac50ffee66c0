package hierarchicalforecast

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// SampleTensor holds coherent sample paths, indexed as [series][step][sample].
// Every sampler produces this shape, so interval and quantile extraction
// downstream is identical regardless of which sampler generated the draws.
type SampleTensor [][][]float64

// newSampleTensor allocates a zeroed tensor of nSeries x horizon x numSamples.
func newSampleTensor(nSeries, horizon, numSamples int) SampleTensor {
	t := make(SampleTensor, nSeries)
	for i := range t {
		t[i] = make([][]float64, horizon)
		for h := range t[i] {
			t[i][h] = make([]float64, numSamples)
		}
	}
	return t
}

// Dims returns (nSeries, horizon, numSamples). An empty tensor reports zeros.
func (t SampleTensor) Dims() (int, int, int) {
	if len(t) == 0 {
		return 0, 0, 0
	}
	if len(t[0]) == 0 {
		return len(t), 0, 0
	}
	return len(t), len(t[0]), len(t[0][0])
}

// ForecastResult accumulates reconciled distribution outputs. Fields holds
// series x horizon matrices keyed by name: "mean", "sigmah", and interval
// bounds such as "lo-80" / "hi-95". Quantiles, when requested, is a
// series x horizon x len(quantiles) tensor.
type ForecastResult struct {
	Fields    map[string]*mat.Dense
	Quantiles [][][]float64
}

// NewForecastResult builds a result seeded with the reconciled point
// forecasts (series x horizon). The Normality sampler requires "mean" to be
// present before intervals or quantiles can be attached; Bootstrap and
// PERMBU derive everything from their own samples and leave it untouched.
func NewForecastResult(mean *mat.Dense) *ForecastResult {
	res := &ForecastResult{Fields: make(map[string]*mat.Dense)}
	if mean != nil {
		res.Fields["mean"] = mean
	}
	return res
}

// Sampler is the common contract of the three probabilistic reconciliation
// methods. Implementations own a private generator seeded at construction,
// so a single instance is deterministic but not safe for concurrent calls;
// independent instances may run in parallel freely.
type Sampler interface {
	// Samples draws numSamples coherent sample paths per horizon step.
	Samples(numSamples int) (SampleTensor, error)

	// PredictionLevels attaches lo-{level}/hi-{level} bounds to res for each
	// two-sided central interval width in levels (values in (0, 100)).
	PredictionLevels(res *ForecastResult, levels []float64) error

	// PredictionQuantiles fills res.Quantiles for each probability in
	// quantiles (values strictly between 0 and 1).
	PredictionQuantiles(res *ForecastResult, quantiles []float64) error
}

// Normality propagates a Gaussian base-forecast distribution through the
// linear reconciliation map S*P in closed form. The reconciled forecasts
// stay normal: mean S*P*yHat, covariance S*P*Wh*(S*P)^T per horizon step.
type Normality struct {
	S      *mat.Dense // base x bottom summing matrix
	P      *mat.Dense // bottom x base reconciliation matrix
	SP     *mat.Dense // base x base combined projector
	yHat   *mat.Dense // base x horizon point forecasts
	sigmah *mat.Dense // base x horizon forecast standard deviations
	W      *mat.SymDense

	// Precomputed at construction.
	meanRec   *mat.Dense      // S*P*yHat
	covRec    []*mat.SymDense // reconciled covariance per horizon step
	sigmahRec *mat.Dense      // sqrt of covRec diagonals, base x horizon

	src *rand.PCG
}

// Bootstrap resamples contiguous blocks of historical residuals to build
// empirical base sample paths, then reconciles each path with S*P.
type Bootstrap struct {
	S            *mat.Dense
	P            *mat.Dense
	SP           *mat.Dense
	yHat         *mat.Dense
	yInsample    *mat.Dense // base x insample length
	yHatInsample *mat.Dense // base x insample length
	numSamples   int        // default draw count for levels/quantiles
	rng          *rand.Rand
}

// PERMBU draws independent per-series marginal samples and restores
// cross-sectional dependence with empirical copulas (rank reordering),
// aggregating bottom-up through a strictly hierarchical structure.
type PERMBU struct {
	S            *mat.Dense
	tags         map[string][]int // level name -> row indices of S
	yHat         *mat.Dense
	yInsample    *mat.Dense
	yHatInsample *mat.Dense
	sigmah       *mat.Dense
	numSamples   int
	src          *rand.PCG
	rng          *rand.Rand
}

// newSeededGenerator builds the per-sampler PCG source and generator. The
// source is shared with gonum's distributions so that index draws,
// permutations and normal variates all advance one deterministic stream.
func newSeededGenerator(seed int64) (*rand.PCG, *rand.Rand) {
	src := rand.NewPCG(uint64(seed), uint64(seed)+1)
	return src, rand.New(src)
}
