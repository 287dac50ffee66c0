package hierarchicalforecast

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// LoadSeriesCSV loads a CSV file of time series into a series x time
// matrix. The header row names the series; each data row is one time step.
// Empty cells, "NA" and "NaN" load as missing values.
func LoadSeriesCSV(path string) ([]string, *mat.Dense, error) {
	// 1. Open file
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// 2. Make CSV reader
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	// 3. Read header row
	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return nil, nil, fmt.Errorf("empty header in %s", path)
	}
	K := len(header) // number of series

	var (
		data []float64 // flat, time-major
		row  int
	)

	// 4. Read each data row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", row+2, err) // +2 for header + 1-based
		}

		// Skip completely empty lines
		if len(record) == 1 && record[0] == "" {
			continue
		}

		if len(record) != K {
			return nil, nil, fmt.Errorf(
				"row %d: expected %d columns, got %d",
				row+2, K, len(record),
			)
		}

		for j, s := range record {
			if s == "" || s == "NA" {
				data = append(data, math.NaN())
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, nil, fmt.Errorf(
					"parse float at row %d col %d (%q): %w",
					row+2, j+1, s, err,
				)
			}
			data = append(data, v)
		}
		row++
	}

	if row == 0 {
		return nil, nil, fmt.Errorf("no data rows in %s", path)
	}

	// 5. Transpose the time x series layout into series x time.
	Y := mat.NewDense(K, row, nil)
	for t := 0; t < row; t++ {
		for j := 0; j < K; j++ {
			Y.Set(j, t, data[t*K+j])
		}
	}
	return header, Y, nil
}

// resultFieldOrder returns the result field keys in a stable column order:
// mean and sigmah first, remaining keys (interval bounds) sorted.
func resultFieldOrder(res *ForecastResult) []string {
	var keys []string
	for k := range res.Fields {
		if k != "mean" && k != "sigmah" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	ordered := make([]string, 0, len(keys)+2)
	if _, ok := res.Fields["mean"]; ok {
		ordered = append(ordered, "mean")
	}
	if _, ok := res.Fields["sigmah"]; ok {
		ordered = append(ordered, "sigmah")
	}
	return append(ordered, keys...)
}

// WriteIntervalsCSV writes a forecast result in long format with the
// columns Series, Step, then one column per result field.
func WriteIntervalsCSV(path string, labels []string, res *ForecastResult) error {
	if res == nil || len(res.Fields) == 0 {
		return fmt.Errorf("empty forecast result")
	}

	fields := resultFieldOrder(res)
	nBase, horizon := res.Fields[fields[0]].Dims()
	if len(labels) != nBase {
		return fmt.Errorf("got %d labels for %d series", len(labels), nBase)
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := append([]string{"Series", "Step"}, fields...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for i := 0; i < nBase; i++ {
		for t := 0; t < horizon; t++ {
			record := []string{labels[i], fmt.Sprintf("%d", t)}
			for _, k := range fields {
				record = append(record, fmt.Sprintf("%f", res.Fields[k].At(i, t)))
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteQuantilesCSV writes res.Quantiles in long format with the columns
// Series, Step, then one column per requested quantile.
func WriteQuantilesCSV(path string, labels []string, quantiles []float64, res *ForecastResult) error {
	if res == nil || res.Quantiles == nil {
		return fmt.Errorf("forecast result has no quantiles")
	}
	nBase, horizon, nq := SampleTensor(res.Quantiles).Dims()
	if nq != len(quantiles) {
		return fmt.Errorf("result holds %d quantiles, got %d labels", nq, len(quantiles))
	}
	if len(labels) != nBase {
		return fmt.Errorf("got %d labels for %d series", len(labels), nBase)
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Series", "Step"}
	for _, q := range quantiles {
		header = append(header, "q"+strconv.FormatFloat(q, 'g', -1, 64))
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for i := 0; i < nBase; i++ {
		for t := 0; t < horizon; t++ {
			record := []string{labels[i], fmt.Sprintf("%d", t)}
			for qi := range quantiles {
				record = append(record, fmt.Sprintf("%f", res.Quantiles[i][t][qi]))
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrintIntervals prints a forecast result as a formatted table, one block
// per series.
func PrintIntervals(res *ForecastResult, labels []string) {
	if res == nil || len(res.Fields) == 0 {
		fmt.Println("empty forecast result")
		return
	}

	fields := resultFieldOrder(res)
	nBase, horizon := res.Fields[fields[0]].Dims()

	fmt.Printf("step\t")
	for _, k := range fields {
		fmt.Printf("%12s", k)
	}
	fmt.Println()

	for i := 0; i < nBase; i++ {
		if i < len(labels) {
			fmt.Printf("-- %s --\n", labels[i])
		}
		for t := 0; t < horizon; t++ {
			fmt.Printf("%d\t", t)
			for _, k := range fields {
				fmt.Printf("%12.6f", res.Fields[k].At(i, t))
			}
			fmt.Println()
		}
	}
}
