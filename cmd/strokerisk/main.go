package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viant/afs"
	"go.uber.org/zap"

	"github.com/serbia-gov/strokerisk/internal/predictor"
	"github.com/serbia-gov/strokerisk/internal/schema"
	"github.com/serbia-gov/strokerisk/internal/scoring"
	"github.com/serbia-gov/strokerisk/internal/shared/config"
	"github.com/serbia-gov/strokerisk/internal/shared/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()

	fs := afs.New()
	schemas := schema.NewStore(fs, cfg.Model.MetadataURL)
	pipelines := scoring.NewLoader(fs, cfg.Model.ArtifactURL, cfg.Model.Threshold)

	// Without a schema and a model nothing can be served
	featureSchema, err := schemas.Get(ctx)
	if err != nil {
		logger.Fatal("failed to load feature schema", zap.Error(err))
	}
	pipeline, err := pipelines.Pipeline(ctx)
	if err != nil {
		logger.Fatal("failed to load scoring pipeline", zap.Error(err))
	}
	if err := predictor.CheckColumns(featureSchema, pipeline); err != nil {
		logger.Fatal("scoring pipeline does not match the feature schema", zap.Error(err))
	}

	svc, err := predictor.NewService(schemas, pipelines, predictor.Options{
		TopK:      cfg.Model.TopK,
		CacheSize: cfg.Cache.Size,
		Logger:    logger.Named("predictor"),
	})
	if err != nil {
		logger.Fatal("failed to create prediction service", zap.Error(err))
	}

	app := &App{Config: cfg, Logger: logger, Service: svc}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		close(done)
	}()

	logger.Info("stroke risk service starting",
		zap.String("env", cfg.Server.Env),
		zap.Int("port", cfg.Server.Port),
		zap.String("metadata", schemas.URL()),
		zap.String("artifact", pipelines.URL()),
		zap.Int("features", featureSchema.Len()),
		zap.Float64("threshold", pipeline.Threshold()),
		zap.Bool("auth", cfg.Auth.Enabled),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	<-done
	logger.Info("server stopped")
}
