package hierarchicalforecast

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLoadSeriesCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series.csv")
	content := "CA/storeA,CA/storeB,TX/storeC\n" +
		"10,4,6\n" +
		"11,NA,7\n" +
		"12,5,\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	labels, Y, err := LoadSeriesCSV(path)
	if err != nil {
		t.Fatalf("LoadSeriesCSV returned error: %v", err)
	}

	if len(labels) != 3 || labels[0] != "CA/storeA" {
		t.Fatalf("unexpected labels: %v", labels)
	}
	r, c := Y.Dims()
	if r != 3 || c != 3 {
		t.Fatalf("Y dims = (%d,%d), want (3,3) series x time", r, c)
	}

	if got := Y.At(0, 1); got != 11 {
		t.Errorf("Y[0,1] = %v, want 11", got)
	}
	if got := Y.At(1, 1); !math.IsNaN(got) {
		t.Errorf("Y[1,1] = %v, want NaN for NA cell", got)
	}
	if got := Y.At(2, 2); !math.IsNaN(got) {
		t.Errorf("Y[2,2] = %v, want NaN for empty cell", got)
	}
}

func TestLoadSeriesCSV_Errors(t *testing.T) {
	if _, _, err := LoadSeriesCSV(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}

	dir := t.TempDir()
	headerOnly := filepath.Join(dir, "header.csv")
	if err := os.WriteFile(headerOnly, []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadSeriesCSV(headerOnly); err == nil {
		t.Error("expected error for a file without data rows")
	}

	badFloat := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(badFloat, []byte("a,b\n1,two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadSeriesCSV(badFloat); err == nil {
		t.Error("expected error for an unparsable cell")
	}
}

func TestWriteIntervalsCSV(t *testing.T) {
	res := NewForecastResult(mat.NewDense(2, 2, []float64{
		10, 11,
		4, 5,
	}))
	res.Fields["lo-80"] = mat.NewDense(2, 2, []float64{
		9, 10,
		3, 4,
	})
	res.Fields["hi-80"] = mat.NewDense(2, 2, []float64{
		11, 12,
		5, 6,
	})

	path := filepath.Join(t.TempDir(), "intervals.csv")
	if err := WriteIntervalsCSV(path, []string{"total", "bottom"}, res); err != nil {
		t.Fatalf("WriteIntervalsCSV returned error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	// Header plus 2 series x 2 steps.
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), raw)
	}
	if lines[0] != "Series,Step,mean,hi-80,lo-80" {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "total,0,10") {
		t.Errorf("unexpected first row: %s", lines[1])
	}

	if err := WriteIntervalsCSV(path, []string{"onlyone"}, res); err == nil {
		t.Error("expected error for label count mismatch")
	}
	if err := WriteIntervalsCSV(path, nil, NewForecastResult(nil)); err == nil {
		t.Error("expected error for empty result")
	}
}

func TestWriteQuantilesCSV(t *testing.T) {
	res := NewForecastResult(nil)
	res.Quantiles = [][][]float64{
		{{1, 2, 3}},
		{{4, 5, 6}},
	}
	quantiles := []float64{0.1, 0.5, 0.9}

	path := filepath.Join(t.TempDir(), "quantiles.csv")
	if err := WriteQuantilesCSV(path, []string{"total", "bottom"}, quantiles, res); err != nil {
		t.Fatalf("WriteQuantilesCSV returned error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), raw)
	}
	if lines[0] != "Series,Step,q0.1,q0.5,q0.9" {
		t.Errorf("unexpected header: %s", lines[0])
	}

	if err := WriteQuantilesCSV(path, []string{"a", "b"}, []float64{0.5}, res); err == nil {
		t.Error("expected error for quantile count mismatch")
	}
	if err := WriteQuantilesCSV(path, nil, quantiles, NewForecastResult(nil)); err == nil {
		t.Error("expected error when the result has no quantiles")
	}
}
