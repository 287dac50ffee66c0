package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	hf "github.com/AhmedThahir/hierarchicalforecast"
)

// hfsample turns incoherent bottom-level forecasts into coherent prediction
// intervals with all three probabilistic reconciliation samplers.
//
// The three input CSVs share a header of bottom-series names written as
// slash-separated label paths (e.g. "CA/storeA"); rows are time steps.
// Actuals and fitted values cover the insample period, forecasts cover the
// horizon. Aggregate-level inputs are derived by summation.
func main() {
	seed := flag.Int64("seed", 0, "random seed for the samplers")
	numSamples := flag.Int("samples", 500, "sample paths per sampler")
	flag.Parse()

	if flag.NArg() < 4 {
		fmt.Println("Usage: hfsample [flags] <actuals.csv> <fitted.csv> <forecasts.csv> <outdir>")
		os.Exit(1)
	}
	actualsPath := flag.Arg(0)
	fittedPath := flag.Arg(1)
	forecastsPath := flag.Arg(2)
	outDir := flag.Arg(3)

	// 1. Load the bottom-level inputs.
	labels, actuals, err := hf.LoadSeriesCSV(actualsPath)
	if err != nil {
		panic(err)
	}
	fittedLabels, fitted, err := hf.LoadSeriesCSV(fittedPath)
	if err != nil {
		panic(err)
	}
	fcstLabels, forecasts, err := hf.LoadSeriesCSV(forecastsPath)
	if err != nil {
		panic(err)
	}
	if !sameLabels(labels, fittedLabels) || !sameLabels(labels, fcstLabels) {
		panic("actuals, fitted and forecasts must cover the same series in the same order")
	}

	_, insampleLen := actuals.Dims()
	_, horizon := forecasts.Dims()
	fmt.Printf("Loaded %d bottom series, %d insample steps, horizon %d\n",
		len(labels), insampleLen, horizon)

	// 2. Build the hierarchy from the label paths.
	paths := make([][]string, len(labels))
	for i, l := range labels {
		paths[i] = strings.Split(l, "/")
	}
	hier, err := hf.BuildHierarchy(paths, nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("Hierarchy: %d series over %d levels\n", hier.NBase(), len(hier.Tags))

	// 3. Aggregate the bottom-level inputs to every level.
	yInsample := aggregate(hier.S, actuals)
	yHatInsample := aggregate(hier.S, fitted)
	yHat := aggregate(hier.S, forecasts)

	// 4. Estimate uncertainty inputs from the insample residuals.
	sigmah, err := hf.EstimateSigmah(yInsample, yHatInsample, horizon)
	if err != nil {
		panic(err)
	}
	W, err := hf.EstimateResidualCovariance(yInsample, yHatInsample)
	if err != nil {
		panic(err)
	}

	P := hf.BottomUpMatrix(hier.S)
	levels := []float64{80, 95}
	quantiles := []float64{0.1, 0.25, 0.5, 0.75, 0.9}

	// 5. Normality: closed-form Gaussian intervals.
	normality, err := hf.NewNormality(hier.S, P, yHat, sigmah, W, *seed)
	if err != nil {
		panic(err)
	}
	normRes := hf.NewForecastResult(normality.MeanRec())
	if err := normality.PredictionLevels(normRes, levels); err != nil {
		panic(err)
	}
	writeResult(outDir, "normality_intervals.csv", hier.Labels, normRes)

	// 6. Bootstrap: empirical residual-block intervals.
	bootstrap, err := hf.NewBootstrap(hier.S, P, yHat, yInsample, yHatInsample, *numSamples, *seed)
	if err != nil {
		panic(err)
	}
	bootRes := hf.NewForecastResult(nil)
	if err := bootstrap.PredictionLevels(bootRes, levels); err != nil {
		panic(err)
	}
	writeResult(outDir, "bootstrap_intervals.csv", hier.Labels, bootRes)

	if err := bootstrap.PredictionQuantiles(bootRes, quantiles); err != nil {
		panic(err)
	}
	if err := hf.WriteQuantilesCSV(
		filepath.Join(outDir, "bootstrap_quantiles.csv"), hier.Labels, quantiles, bootRes,
	); err != nil {
		panic(err)
	}

	// 7. PERMBU: copula-reordered bottom-up intervals.
	permbu, err := hf.NewPERMBU(hier.S, hier.Tags, yHat, yInsample, yHatInsample, sigmah, *numSamples, *seed)
	if err != nil {
		panic(err)
	}
	permbuRes := hf.NewForecastResult(nil)
	if err := permbu.PredictionLevels(permbuRes, levels); err != nil {
		panic(err)
	}
	writeResult(outDir, "permbu_intervals.csv", hier.Labels, permbuRes)

	fmt.Println("\n=== Normality intervals ===")
	hf.PrintIntervals(normRes, hier.Labels)
}

// aggregate lifts a bottom x time matrix to base x time via the summing
// matrix.
func aggregate(S *mat.Dense, bottom *mat.Dense) *mat.Dense {
	var base mat.Dense
	base.Mul(S, bottom)
	return &base
}

func writeResult(outDir, name string, labels []string, res *hf.ForecastResult) {
	path := filepath.Join(outDir, name)
	if err := hf.WriteIntervalsCSV(path, labels, res); err != nil {
		panic(err)
	}
	fmt.Println("Intervals written to", path)
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
