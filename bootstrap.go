package hierarchicalforecast

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// DefaultBootstrapSamples is the draw count used by PredictionLevels and
// PredictionQuantiles when the caller does not override it.
const DefaultBootstrapSamples = 100

// NewBootstrap validates the inputs for the residual-block bootstrap.
// yInsample and yHatInsample are base x insampleLength; residuals and the
// start-index range are derived at sampling time so that data-sufficiency
// failures surface where the horizon is known to matter.
func NewBootstrap(S, P, yHat, yInsample, yHatInsample *mat.Dense, numSamples int, seed int64) (*Bootstrap, error) {
	if S == nil || P == nil || yHat == nil || yInsample == nil || yHatInsample == nil {
		return nil, fmt.Errorf("bootstrap sampler requires S, P, yHat, yInsample and yHatInsample")
	}

	nBase, nBottom := S.Dims()
	if pr, pc := P.Dims(); pr != nBottom || pc != nBase {
		return nil, fmt.Errorf("P must be %dx%d to match S, got %dx%d", nBottom, nBase, pr, pc)
	}
	yr, _ := yHat.Dims()
	if yr != nBase {
		return nil, fmt.Errorf("yHat must have %d rows to match S, got %d", nBase, yr)
	}
	ir, icols := yInsample.Dims()
	fr, fcols := yHatInsample.Dims()
	if ir != nBase || fr != nBase {
		return nil, fmt.Errorf("insample matrices must have %d rows to match S, got %d and %d", nBase, ir, fr)
	}
	if icols != fcols {
		return nil, fmt.Errorf("insample matrices must share a length, got %d and %d columns", icols, fcols)
	}

	if numSamples <= 0 {
		numSamples = DefaultBootstrapSamples
	}

	SP := mat.NewDense(nBase, nBase, nil)
	SP.Mul(S, P)

	_, rng := newSeededGenerator(seed)
	return &Bootstrap{
		S:            S,
		P:            P,
		SP:           SP,
		yHat:         yHat,
		yInsample:    yInsample,
		yHatInsample: yHatInsample,
		numSamples:   numSamples,
		rng:          rng,
	}, nil
}

// Samples draws numSamples coherent sample paths. Each path adds a
// contiguous horizon-length block of historical residuals to the point
// forecasts, preserving the temporal and cross-sectional correlation inside
// the block, and is then reconciled with S*P. numSamples <= 0 falls back to
// the construction-time default.
func (s *Bootstrap) Samples(numSamples int) (SampleTensor, error) {
	if numSamples <= 0 {
		numSamples = s.numSamples
	}

	residuals := reconciliationResiduals(s.yInsample, s.yHatInsample)
	nBase, horizon := s.yHat.Dims()
	_, resCols := residuals.Dims()

	// Valid block starts are [0, resCols-horizon); an empty range means no
	// complete residual block exists for this horizon.
	nStarts := resCols - horizon
	if nStarts <= 0 {
		return nil, fmt.Errorf(
			"insufficient residual history: %d complete residual columns for horizon %d",
			resCols, horizon,
		)
	}

	samples := newSampleTensor(nBase, horizon, numSamples)
	path := mat.NewDense(nBase, horizon, nil)
	var rec mat.Dense

	for k := 0; k < numSamples; k++ {
		idx := s.rng.IntN(nStarts)

		for i := 0; i < nBase; i++ {
			for t := 0; t < horizon; t++ {
				path.Set(i, t, s.yHat.At(i, t)+residuals.At(i, idx+t))
			}
		}
		rec.Mul(s.SP, path)

		for i := 0; i < nBase; i++ {
			for t := 0; t < horizon; t++ {
				samples[i][t][k] = rec.At(i, t)
			}
		}
	}
	return samples, nil
}

// PredictionLevels extracts empirical interval bounds from a fresh batch of
// coherent sample paths.
func (s *Bootstrap) PredictionLevels(res *ForecastResult, levels []float64) error {
	samples, err := s.Samples(s.numSamples)
	if err != nil {
		return err
	}
	return attachSampleLevels(res, samples, levels)
}

// PredictionQuantiles extracts empirical quantiles from a fresh batch of
// coherent sample paths.
func (s *Bootstrap) PredictionQuantiles(res *ForecastResult, quantiles []float64) error {
	samples, err := s.Samples(s.numSamples)
	if err != nil {
		return err
	}
	return attachSampleQuantiles(res, samples, quantiles)
}
