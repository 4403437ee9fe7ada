// Command fit builds a model artifact from calibration data: it reads
// feature rows from a CSV (columns matching the v1 schema order), fits the
// isolation forest, calibrates the score threshold against the configured
// contamination rate and writes the JSON artifact the scoring service loads
// at startup.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"marketwatch/internal/config"
	"marketwatch/internal/iforest"
	"marketwatch/internal/models"
)

func main() {
	_ = godotenv.Load()

	var (
		input   = flag.String("input", "", "CSV of calibration feature rows (required)")
		output  = flag.String("output", "", "artifact path (default: MODEL_PATH)")
		trees   = flag.Int("trees", 100, "number of trees")
		samples = flag.Int("samples", 256, "subsample size per tree")
		seed    = flag.Int64("seed", 1, "fit seed")
		version = flag.String("version", "v1", "model version")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *input == "" {
		logger.Error("missing_input", "hint", "pass -input calibration.csv")
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *output == "" {
		*output = cfg.ModelPath
	}

	data, err := readRows(*input)
	if err != nil {
		logger.Error("calibration_read_failed", "path", *input, "error", err)
		os.Exit(1)
	}
	logger.Info("calibration_loaded", "rows", len(data), "features", len(models.FeatureNamesV1))

	model, err := iforest.Fit(data, models.FeatureNamesV1, iforest.FitOptions{
		NumTrees:      *trees,
		SampleSize:    *samples,
		Seed:          *seed,
		Contamination: cfg.Contamination,
		Version:       *version,
	})
	if err != nil {
		logger.Error("fit_failed", "error", err)
		os.Exit(1)
	}

	if err := model.Save(*output); err != nil {
		logger.Error("artifact_write_failed", "path", *output, "error", err)
		os.Exit(1)
	}

	logger.Info("artifact_written",
		"path", *output,
		"model_ref", model.Ref(),
		"trees", len(model.Trees),
		"sample_size", model.SampleSize,
		"contamination", model.Contamination,
		"threshold", model.Threshold,
	)
}

// readRows parses calibration rows. A header row naming the v1 features is
// accepted and skipped.
func readRows(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	want := len(models.FeatureNamesV1)
	var rows [][]float64
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(record) != want {
			return nil, fmt.Errorf("line %d: got %d columns, want %d", line, len(record), want)
		}
		if line == 1 && record[0] == models.FeatureNamesV1[0] {
			continue
		}
		row := make([]float64, want)
		for i, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, i+1, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no calibration rows in %s", path)
	}
	return rows, nil
}
