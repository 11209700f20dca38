// Command packmodel converts the JSON parameter export of a fitted pipeline
// into the binary artifact the server loads.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/viant/afs"
	"go.uber.org/zap"

	"github.com/serbia-gov/strokerisk/internal/predictor"
	"github.com/serbia-gov/strokerisk/internal/schema"
	"github.com/serbia-gov/strokerisk/internal/scoring"
	"github.com/serbia-gov/strokerisk/internal/shared/config"
	"github.com/serbia-gov/strokerisk/internal/shared/logging"
)

func main() {
	params := flag.String("params", "model/stroke_pipeline.params.json", "pipeline parameters (JSON)")
	out := flag.String("out", "model/stroke_pipeline.bin", "artifact output URL")
	metadata := flag.String("metadata", "", "optional feature metadata to check the pipeline against")
	threshold := flag.Float64("threshold", 0, "decision threshold stored in the artifact (0 keeps the exported one)")
	flag.Parse()

	logger := logging.New(config.LogConfig{Level: "info", Format: "console"})
	defer logger.Sync()

	if err := run(context.Background(), afs.New(), *params, *out, *metadata, *threshold); err != nil {
		logger.Error("pack failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("artifact written", zap.String("out", *out))
}

func run(ctx context.Context, fs afs.Service, paramsURL, outURL, metadataURL string, threshold float64) error {
	data, err := fs.DownloadWithURL(ctx, paramsURL)
	if err != nil {
		return fmt.Errorf("read params: %w", err)
	}

	var pipeline scoring.LogisticPipeline
	if err := json.Unmarshal(data, &pipeline); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if threshold > 0 {
		pipeline.Classifier.DecisionThreshold = threshold
	}
	if err := pipeline.Validate(); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}

	if metadataURL != "" {
		s, err := schema.Load(ctx, fs, metadataURL)
		if err != nil {
			return err
		}
		if err := predictor.CheckColumns(s, &pipeline); err != nil {
			return err
		}
	}

	return scoring.SaveArtifact(ctx, fs, outURL, &pipeline)
}
