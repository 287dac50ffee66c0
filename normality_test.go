package hierarchicalforecast

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// twoLevelHierarchy builds the smallest real hierarchy: one total series
// aggregating two bottom series, with the bottom-up projector.
func twoLevelHierarchy() (S, P *mat.Dense, tags map[string][]int) {
	S = mat.NewDense(3, 2, []float64{
		1, 1,
		1, 0,
		0, 1,
	})
	P = mat.NewDense(2, 3, []float64{
		0, 1, 0,
		0, 0, 1,
	})
	tags = map[string][]int{
		"total":  {0},
		"bottom": {1, 2},
	}
	return S, P, tags
}

// With diagonal W and the bottom-up projector, the reconciled mean is
// S*P*yHat exactly and the reconciled variance is diag(S*P*W*(S*P)^T):
// the total series variance is 2 (two independent unit-variance bottoms).
func TestNormality_ReconciledMoments(t *testing.T) {
	S, P, _ := twoLevelHierarchy()
	yHat := mat.NewDense(3, 1, []float64{10, 4, 6})
	sigmah := mat.NewDense(3, 1, []float64{1, 1, 1})
	W := mat.NewSymDense(3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})

	sampler, err := NewNormality(S, P, yHat, sigmah, W, 0)
	if err != nil {
		t.Fatalf("NewNormality returned error: %v", err)
	}

	wantMean := []float64{10, 4, 6}
	for i, want := range wantMean {
		if got := sampler.MeanRec().At(i, 0); !almostEqual(got, want, 1e-12) {
			t.Errorf("MeanRec[%d] = %v, want %v", i, got, want)
		}
	}

	wantSigma := []float64{math.Sqrt(2), 1, 1}
	for i, want := range wantSigma {
		if got := sampler.SigmahRec().At(i, 0); !almostEqual(got, want, 1e-12) {
			t.Errorf("SigmahRec[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestNormality_PredictionLevelsSymmetry(t *testing.T) {
	S, P, _ := twoLevelHierarchy()
	yHat := mat.NewDense(3, 1, []float64{10, 4, 6})
	sigmah := mat.NewDense(3, 1, []float64{1, 1, 1})
	W := mat.NewSymDense(3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})

	sampler, err := NewNormality(S, P, yHat, sigmah, W, 0)
	if err != nil {
		t.Fatalf("NewNormality returned error: %v", err)
	}

	res := NewForecastResult(sampler.MeanRec())
	if err := sampler.PredictionLevels(res, []float64{80, 95}); err != nil {
		t.Fatalf("PredictionLevels returned error: %v", err)
	}

	for _, lv := range []float64{80, 95} {
		lo, okLo := res.Fields[levelKey("lo", lv)]
		hi, okHi := res.Fields[levelKey("hi", lv)]
		if !okLo || !okHi {
			t.Fatalf("missing interval fields for level %v", lv)
		}
		mean := res.Fields["mean"]
		for i := 0; i < 3; i++ {
			up := hi.At(i, 0) - mean.At(i, 0)
			down := mean.At(i, 0) - lo.At(i, 0)
			if !almostEqual(up, down, 1e-12) {
				t.Errorf("level %v series %d: asymmetric interval (%v vs %v)", lv, i, up, down)
			}
		}
	}

	// The 80% half-width of the total series is z_0.9 * sqrt(2).
	z := distuv.UnitNormal.Quantile(0.9)
	wantHalf := z * math.Sqrt(2)
	gotHalf := res.Fields["hi-80"].At(0, 0) - res.Fields["mean"].At(0, 0)
	if !almostEqual(gotHalf, wantHalf, 1e-9) {
		t.Errorf("total series 80%% half-width = %v, want %v", gotHalf, wantHalf)
	}

	if _, ok := res.Fields["sigmah"]; !ok {
		t.Error("PredictionLevels should attach sigmah")
	}
}

func TestNormality_SamplesShapeAndCoherence(t *testing.T) {
	S, P, _ := twoLevelHierarchy()
	yHat := mat.NewDense(3, 2, []float64{
		10, 12,
		4, 5,
		6, 7,
	})
	sigmah := mat.NewDense(3, 2, []float64{
		1, 1,
		1, 1,
		1, 1,
	})
	W := mat.NewSymDense(3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})

	sampler, err := NewNormality(S, P, yHat, sigmah, W, 42)
	if err != nil {
		t.Fatalf("NewNormality returned error: %v", err)
	}

	numSamples := 2000
	samples, err := sampler.Samples(numSamples)
	if err != nil {
		t.Fatalf("Samples returned error: %v", err)
	}

	n, horizon, k := samples.Dims()
	if n != 3 || horizon != 2 || k != numSamples {
		t.Fatalf("Samples dims = (%d,%d,%d), want (3,2,%d)", n, horizon, k, numSamples)
	}

	// Every sample path must be coherent: total = bottom1 + bottom2.
	for tt := 0; tt < horizon; tt++ {
		for s := 0; s < numSamples; s++ {
			top := samples[0][tt][s]
			sum := samples[1][tt][s] + samples[2][tt][s]
			if !almostEqual(top, sum, 1e-8) {
				t.Fatalf("incoherent sample at step %d draw %d: %v vs %v", tt, s, top, sum)
			}
		}
	}

	// Sample means should track the reconciled means.
	for i := 0; i < 3; i++ {
		mean := 0.0
		for s := 0; s < numSamples; s++ {
			mean += samples[i][0][s]
		}
		mean /= float64(numSamples)
		if !almostEqual(mean, sampler.MeanRec().At(i, 0), 0.3) {
			t.Errorf("sample mean of series %d = %v, want about %v", i, mean, sampler.MeanRec().At(i, 0))
		}
	}
}

func TestNormality_QuantileMonotonicity(t *testing.T) {
	S, P, _ := twoLevelHierarchy()
	yHat := mat.NewDense(3, 1, []float64{10, 4, 6})
	sigmah := mat.NewDense(3, 1, []float64{2, 1, 1})
	W := mat.NewSymDense(3, []float64{
		4, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})

	sampler, err := NewNormality(S, P, yHat, sigmah, W, 0)
	if err != nil {
		t.Fatalf("NewNormality returned error: %v", err)
	}

	res := NewForecastResult(sampler.MeanRec())
	qs := []float64{0.1, 0.25, 0.5, 0.75, 0.9}
	if err := sampler.PredictionQuantiles(res, qs); err != nil {
		t.Fatalf("PredictionQuantiles returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		for qi := 1; qi < len(qs); qi++ {
			if res.Quantiles[i][0][qi] < res.Quantiles[i][0][qi-1] {
				t.Errorf("series %d: quantiles not monotone at %v", i, qs[qi])
			}
		}
		// The median of a Gaussian is its mean.
		if !almostEqual(res.Quantiles[i][0][2], res.Fields["mean"].At(i, 0), 1e-12) {
			t.Errorf("series %d: median %v != mean %v", i, res.Quantiles[i][0][2], res.Fields["mean"].At(i, 0))
		}
	}
}

func TestNormality_DimensionMismatch(t *testing.T) {
	S, _, _ := twoLevelHierarchy()
	yHat := mat.NewDense(3, 1, []float64{10, 4, 6})
	sigmah := mat.NewDense(3, 1, []float64{1, 1, 1})
	W := mat.NewSymDense(3, nil)

	badP := mat.NewDense(2, 2, nil)
	if _, err := NewNormality(S, badP, yHat, sigmah, W, 0); err == nil {
		t.Error("expected error for mismatched P dimensions")
	}

	P := mat.NewDense(2, 3, []float64{0, 1, 0, 0, 0, 1})
	badSigmah := mat.NewDense(2, 1, nil)
	if _, err := NewNormality(S, P, yHat, badSigmah, W, 0); err == nil {
		t.Error("expected error for mismatched sigmah dimensions")
	}

	badW := mat.NewSymDense(2, nil)
	if _, err := NewNormality(S, P, yHat, sigmah, badW, 0); err == nil {
		t.Error("expected error for mismatched W dimensions")
	}

	if _, err := NewNormality(nil, P, yHat, sigmah, W, 0); err == nil {
		t.Error("expected error for nil S")
	}
}

// An indefinite W whose indefinite direction survives the S*P projection
// must surface as a non-PSD error when sampling, not as garbage draws.
func TestNormality_IndefiniteCovariance(t *testing.T) {
	S, _, _ := twoLevelHierarchy()
	// P selects the total and first bottom series, so the indefinite
	// 2x2 block of W carries through to the reconciled covariance.
	P := mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 1, 0,
	})
	yHat := mat.NewDense(3, 1, []float64{10, 4, 6})
	sigmah := mat.NewDense(3, 1, []float64{1, 1, 1})
	W := mat.NewSymDense(3, []float64{
		1, 1.5, 0,
		1.5, 1, 0,
		0, 0, 1,
	})

	sampler, err := NewNormality(S, P, yHat, sigmah, W, 0)
	if err != nil {
		t.Fatalf("NewNormality returned error: %v", err)
	}
	if _, err := sampler.Samples(10); err == nil {
		t.Fatal("expected a non-positive-semi-definite covariance error")
	}
}

func TestNormality_RequiresMean(t *testing.T) {
	S, P, _ := twoLevelHierarchy()
	yHat := mat.NewDense(3, 1, []float64{10, 4, 6})
	sigmah := mat.NewDense(3, 1, []float64{1, 1, 1})
	W := mat.NewSymDense(3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})

	sampler, err := NewNormality(S, P, yHat, sigmah, W, 0)
	if err != nil {
		t.Fatalf("NewNormality returned error: %v", err)
	}

	res := NewForecastResult(nil)
	if err := sampler.PredictionLevels(res, []float64{80}); err == nil {
		t.Error("expected error when the reconciled mean is missing")
	}
	if err := sampler.PredictionQuantiles(res, []float64{0.5}); err == nil {
		t.Error("expected error when the reconciled mean is missing")
	}
}

// Two samplers with the same seed replay the same stream; a second call on
// one sampler continues its stream instead of repeating it.
func TestNormality_SeededGenerator(t *testing.T) {
	S, P, _ := twoLevelHierarchy()
	yHat := mat.NewDense(3, 1, []float64{10, 4, 6})
	sigmah := mat.NewDense(3, 1, []float64{1, 1, 1})
	W := mat.NewSymDense(3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})

	a, err := NewNormality(S, P, yHat, sigmah, W, 7)
	if err != nil {
		t.Fatalf("NewNormality returned error: %v", err)
	}
	b, err := NewNormality(S, P, yHat, sigmah, W, 7)
	if err != nil {
		t.Fatalf("NewNormality returned error: %v", err)
	}

	sa, err := a.Samples(20)
	if err != nil {
		t.Fatalf("Samples returned error: %v", err)
	}
	sb, err := b.Samples(20)
	if err != nil {
		t.Fatalf("Samples returned error: %v", err)
	}
	for i := 0; i < 3; i++ {
		for k := 0; k < 20; k++ {
			if sa[i][0][k] != sb[i][0][k] {
				t.Fatalf("same seed produced different draws at series %d draw %d", i, k)
			}
		}
	}

	sa2, err := a.Samples(20)
	if err != nil {
		t.Fatalf("Samples returned error: %v", err)
	}
	same := true
	for k := 0; k < 20; k++ {
		if sa[1][0][k] != sa2[1][0][k] {
			same = false
			break
		}
	}
	if same {
		t.Error("repeated Samples calls replayed the generator instead of advancing it")
	}
}
