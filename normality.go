package hierarchicalforecast

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewNormality validates the inputs and precomputes the reconciled
// distribution parameters for every horizon step.
//
// S: base x bottom summing matrix. P: bottom x base reconciliation matrix.
// yHat and sigmah: base x horizon. W: base x base covariance of the base
// forecast errors. W's correlation structure is assumed stable across the
// horizon while the marginal scale varies, so each step's covariance is
// rebuilt as diag(sigmah[:,t]) * corr(W) * diag(sigmah[:,t]) before being
// propagated through S*P.
func NewNormality(S, P, yHat, sigmah *mat.Dense, W *mat.SymDense, seed int64) (*Normality, error) {
	if S == nil || P == nil || yHat == nil || sigmah == nil || W == nil {
		return nil, fmt.Errorf("normality sampler requires S, P, yHat, sigmah and W")
	}

	nBase, nBottom := S.Dims()
	if pr, pc := P.Dims(); pr != nBottom || pc != nBase {
		return nil, fmt.Errorf("P must be %dx%d to match S, got %dx%d", nBottom, nBase, pr, pc)
	}
	yr, horizon := yHat.Dims()
	if yr != nBase {
		return nil, fmt.Errorf("yHat must have %d rows to match S, got %d", nBase, yr)
	}
	if sr, sc := sigmah.Dims(); sr != nBase || sc != horizon {
		return nil, fmt.Errorf("sigmah must be %dx%d to match yHat, got %dx%d", nBase, horizon, sr, sc)
	}
	if wn := W.SymmetricDim(); wn != nBase {
		return nil, fmt.Errorf("W must be %dx%d to match S, got %dx%d", nBase, nBase, wn, wn)
	}

	SP := mat.NewDense(nBase, nBase, nil)
	SP.Mul(S, P)

	var meanRec mat.Dense
	meanRec.Mul(SP, yHat)

	corr := CovToCorr(W)

	// Reconciled covariance and standard deviations per horizon step.
	covRec := make([]*mat.SymDense, horizon)
	sigmahRec := mat.NewDense(nBase, horizon, nil)
	for t := 0; t < horizon; t++ {
		Wh := mat.NewSymDense(nBase, nil)
		for i := 0; i < nBase; i++ {
			for j := i; j < nBase; j++ {
				Wh.SetSym(i, j, sigmah.At(i, t)*corr.At(i, j)*sigmah.At(j, t))
			}
		}

		var tmp, cov mat.Dense
		tmp.Mul(SP, Wh)
		cov.Mul(&tmp, SP.T())

		// Symmetrize to absorb floating-point asymmetry from the products.
		sym := mat.NewSymDense(nBase, nil)
		for i := 0; i < nBase; i++ {
			for j := i; j < nBase; j++ {
				sym.SetSym(i, j, 0.5*(cov.At(i, j)+cov.At(j, i)))
			}
		}
		covRec[t] = sym

		for i := 0; i < nBase; i++ {
			sigmahRec.Set(i, t, math.Sqrt(math.Max(sym.At(i, i), 0)))
		}
	}

	src, _ := newSeededGenerator(seed)
	return &Normality{
		S:         S,
		P:         P,
		SP:        SP,
		yHat:      yHat,
		sigmah:    sigmah,
		W:         W,
		meanRec:   &meanRec,
		covRec:    covRec,
		sigmahRec: sigmahRec,
		src:       src,
	}, nil
}

// SigmahRec returns the reconciled standard deviations (base x horizon).
func (s *Normality) SigmahRec() *mat.Dense { return s.sigmahRec }

// MeanRec returns the reconciled point forecasts S*P*yHat (base x horizon).
func (s *Normality) MeanRec() *mat.Dense { return s.meanRec }

// gaussianFactor decomposes cov into T with T*T^T = cov via a symmetric
// eigendecomposition. Reconciled covariances are singular by construction
// (their rank is at most the bottom-series count), so a Cholesky factor
// would reject them; eigenvalues within tolerance of zero are clamped and
// genuinely negative ones surface a non-PSD error.
func gaussianFactor(cov *mat.SymDense) (*mat.Dense, error) {
	n := cov.SymmetricDim()

	var es mat.EigenSym
	if ok := es.Factorize(cov, true); !ok {
		return nil, fmt.Errorf("eigendecomposition of covariance failed")
	}
	vals := es.Values(nil)

	maxVal := 0.0
	for _, v := range vals {
		if math.Abs(v) > maxVal {
			maxVal = math.Abs(v)
		}
	}
	tol := 1e-8 * math.Max(1, maxVal)

	var vecs mat.Dense
	es.VectorsTo(&vecs)

	T := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		if vals[j] < -tol {
			return nil, fmt.Errorf("covariance is not positive semi-definite: eigenvalue %v", vals[j])
		}
		scale := math.Sqrt(math.Max(vals[j], 0))
		for i := 0; i < n; i++ {
			T.Set(i, j, vecs.At(i, j)*scale)
		}
	}
	return T, nil
}

// Samples draws numSamples multivariate-normal vectors per horizon step
// with mean S*P*yHat[:,t] and covariance covRec[t]. The generator is seeded
// once at construction: repeated calls continue the same stream rather than
// replaying it.
func (s *Normality) Samples(numSamples int) (SampleTensor, error) {
	if numSamples <= 0 {
		return nil, fmt.Errorf("numSamples must be > 0, got %d", numSamples)
	}

	nBase, horizon := s.yHat.Dims()
	samples := newSampleTensor(nBase, horizon, numSamples)

	stdNormal := distuv.Normal{Mu: 0, Sigma: 1, Src: s.src}
	z := make([]float64, nBase)

	for t := 0; t < horizon; t++ {
		T, err := gaussianFactor(s.covRec[t])
		if err != nil {
			return nil, fmt.Errorf("sampling step %d: %v", t, err)
		}

		for k := 0; k < numSamples; k++ {
			for i := range z {
				z[i] = stdNormal.Rand()
			}
			for i := 0; i < nBase; i++ {
				v := s.meanRec.At(i, t)
				for j := 0; j < nBase; j++ {
					v += T.At(i, j) * z[j]
				}
				samples[i][t][k] = v
			}
		}
	}
	return samples, nil
}

// PredictionLevels attaches closed-form Gaussian interval bounds around the
// caller-supplied reconciled mean: lo/hi = mean -/+ z * sigmahRec with
// z = Phi^-1(0.5 + level/200). Also attaches "sigmah".
func (s *Normality) PredictionLevels(res *ForecastResult, levels []float64) error {
	if res == nil || res.Fields == nil {
		return fmt.Errorf("nil forecast result")
	}
	mean, ok := res.Fields["mean"]
	if !ok {
		return fmt.Errorf("forecast result is missing the reconciled mean")
	}
	if err := validateLevels(levels); err != nil {
		return err
	}

	nBase, horizon := mean.Dims()
	res.Fields["sigmah"] = mat.DenseCopyOf(s.sigmahRec)

	for _, lv := range levels {
		z := distuv.UnitNormal.Quantile(0.5 + lv/200)

		lo := mat.NewDense(nBase, horizon, nil)
		hi := mat.NewDense(nBase, horizon, nil)
		for i := 0; i < nBase; i++ {
			for t := 0; t < horizon; t++ {
				lo.Set(i, t, mean.At(i, t)-z*s.sigmahRec.At(i, t))
				hi.Set(i, t, mean.At(i, t)+z*s.sigmahRec.At(i, t))
			}
		}
		res.Fields[levelKey("lo", lv)] = lo
		res.Fields[levelKey("hi", lv)] = hi
	}
	return nil
}

// PredictionQuantiles fills res.Quantiles with the affine Gaussian grid
// mean + Phi^-1(q) * sigmahRec, shaped series x horizon x len(quantiles).
func (s *Normality) PredictionQuantiles(res *ForecastResult, quantiles []float64) error {
	if res == nil || res.Fields == nil {
		return fmt.Errorf("nil forecast result")
	}
	mean, ok := res.Fields["mean"]
	if !ok {
		return fmt.Errorf("forecast result is missing the reconciled mean")
	}
	if err := validateQuantiles(quantiles); err != nil {
		return err
	}

	nBase, horizon := mean.Dims()
	res.Fields["sigmah"] = mat.DenseCopyOf(s.sigmahRec)

	out := newSampleTensor(nBase, horizon, len(quantiles))
	for qi, q := range quantiles {
		z := distuv.UnitNormal.Quantile(q)
		for i := 0; i < nBase; i++ {
			for t := 0; t < horizon; t++ {
				out[i][t][qi] = mean.At(i, t) + z*s.sigmahRec.At(i, t)
			}
		}
	}
	res.Quantiles = out
	return nil
}
