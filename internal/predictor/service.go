package predictor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/highwayhash"
	"go.uber.org/zap"

	"github.com/serbia-gov/strokerisk/internal/assembler"
	"github.com/serbia-gov/strokerisk/internal/schema"
	"github.com/serbia-gov/strokerisk/internal/scoring"
	"github.com/serbia-gov/strokerisk/internal/shared/auth"
	"github.com/serbia-gov/strokerisk/internal/shared/metrics"
	"github.com/serbia-gov/strokerisk/internal/shared/types"
)

// ExplanationUnavailableNote replaces the contribution list when the pipeline
// cannot be introspected.
const ExplanationUnavailableNote = "feature summary unavailable"

var fingerprintKey = []byte("strokerisk-record-fingerprint-k1")

// SchemaSource provides the feature schema, typically a *schema.Store.
type SchemaSource interface {
	Get(ctx context.Context) (*schema.FeatureSchema, error)
}

// PipelineSource provides the scoring pipeline, typically a *scoring.Loader.
type PipelineSource interface {
	Get(ctx context.Context) (scoring.Pipeline, error)
}

// Prediction is one served prediction as shown to the user.
type Prediction struct {
	ID              types.ID                 `json:"id"`
	Result          PredictionResult         `json:"result"`
	Record          *assembler.PatientRecord `json:"record"`
	Explanation     []FeatureContribution    `json:"explanation,omitempty"`
	ExplanationNote string                   `json:"explanation_note,omitempty"`
	Cached          bool                     `json:"cached"`
	CreatedAt       time.Time                `json:"created_at"`
}

// Options configures a Service.
type Options struct {
	TopK      int
	CacheSize int
	Logger    *zap.Logger
}

// Service validates submissions, scores them and attaches the explanation.
type Service struct {
	schemas   SchemaSource
	pipelines PipelineSource
	topK      int
	cache     *lru.Cache[uint64, PredictionResult]
	logger    *zap.Logger

	explainOnce sync.Once
	explanation []FeatureContribution
	explained   bool
}

// NewService creates a prediction service. A CacheSize of zero disables caching.
func NewService(schemas SchemaSource, pipelines PipelineSource, opts Options) (*Service, error) {
	s := &Service{
		schemas:   schemas,
		pipelines: pipelines,
		topK:      opts.TopK,
		logger:    opts.Logger,
	}
	if s.topK == 0 {
		s.topK = DefaultTopK
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[uint64, PredictionResult](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create prediction cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Schema returns the feature schema the service validates against.
func (s *Service) Schema(ctx context.Context) (*schema.FeatureSchema, error) {
	return s.schemas.Get(ctx)
}

// Ready loads the schema and the pipeline if that has not happened yet.
func (s *Service) Ready(ctx context.Context) error {
	if _, err := s.schemas.Get(ctx); err != nil {
		return err
	}
	if _, err := s.pipelines.Get(ctx); err != nil {
		return err
	}
	return nil
}

// Submit turns raw field values into a prediction. Validation failures are
// returned as *assembler.InvalidFieldError and scoring failures as *ScoringError.
func (s *Service) Submit(ctx context.Context, raw map[string]any) (*Prediction, error) {
	fs, err := s.schemas.Get(ctx)
	if err != nil {
		return nil, err
	}

	record, err := assembler.Assemble(raw, fs)
	if err != nil {
		if fieldErr, ok := err.(*assembler.InvalidFieldError); ok {
			metrics.RecordValidationFailure(fieldErr.Field)
		}
		s.logger.Debug("submission rejected", zap.Error(err))
		return nil, err
	}

	pipeline, err := s.pipelines.Get(ctx)
	if err != nil {
		return nil, err
	}

	prediction := &Prediction{
		ID:        types.NewID(),
		Record:    record,
		CreatedAt: time.Now().UTC(),
	}

	key := fingerprint(record)
	if result, ok := s.lookup(key); ok {
		prediction.Result = result
		prediction.Cached = true
	} else {
		start := time.Now()
		result, err := Predict(ctx, record, pipeline)
		if err != nil {
			reason := ReasonPipeline
			if scoringErr, ok := err.(*ScoringError); ok {
				reason = scoringErr.Reason
			}
			metrics.RecordPredictionFailure(reason)
			s.logger.Error("prediction failed",
				zap.String("prediction_id", prediction.ID.String()),
				zap.String("reason", reason),
				zap.Error(err),
			)
			return nil, err
		}
		metrics.RecordPrediction(result.Label, time.Since(start))
		if s.cache != nil {
			s.cache.Add(key, result)
		}
		prediction.Result = result
	}

	if contributions, ok := s.explain(pipeline); ok {
		prediction.Explanation = contributions
	} else {
		prediction.ExplanationNote = ExplanationUnavailableNote
	}

	fields := []zap.Field{
		zap.String("prediction_id", prediction.ID.String()),
		zap.String("label", prediction.Result.Label),
		zap.Float64("probability", prediction.Result.Probability),
		zap.Bool("cached", prediction.Cached),
	}
	if user := auth.GetUser(ctx); user != nil {
		fields = append(fields, zap.String("user_id", user.ID), zap.String("facility", user.Facility))
	}
	s.logger.Info("prediction served", fields...)
	return prediction, nil
}

func (s *Service) lookup(key uint64) (PredictionResult, bool) {
	if s.cache == nil {
		return PredictionResult{}, false
	}
	result, ok := s.cache.Get(key)
	metrics.RecordCacheLookup(ok)
	return result, ok
}

// explain ranks coefficients once; the pipeline never changes after loading.
func (s *Service) explain(pipeline scoring.Pipeline) ([]FeatureContribution, bool) {
	s.explainOnce.Do(func() {
		contributions, err := explain(pipeline, s.topK)
		if err != nil {
			s.logger.Warn("explanation unavailable", zap.Error(err))
			metrics.RecordExplanationUnavailable()
			return
		}
		s.explanation, s.explained = contributions, true
	})
	if !s.explained {
		return nil, false
	}
	return append([]FeatureContribution(nil), s.explanation...), true
}

// CheckColumns verifies the schema and the pipeline describe the same columns.
// Every schema feature must be read by the pipeline as the same kind, and the
// fitted categories must equal the allowed values. Allowed values the pipeline
// never saw are tolerated only when it ignores unknown categories.
func CheckColumns(fs *schema.FeatureSchema, pipeline *scoring.LogisticPipeline) error {
	numeric := make(map[string]bool)
	for _, column := range pipeline.Preprocessor.Numeric.Columns {
		if !fs.IsNumeric(column) {
			return fmt.Errorf("pipeline numeric column %q is not a numeric feature", column)
		}
		numeric[column] = true
	}
	for _, name := range fs.NumericFeatures() {
		if !numeric[name] {
			return fmt.Errorf("numeric feature %q is not read by the pipeline", name)
		}
	}

	cat := pipeline.Preprocessor.Categorical
	fitted := make(map[string][]string)
	for i, column := range cat.Columns {
		if !fs.IsCategorical(column) {
			return fmt.Errorf("pipeline categorical column %q is not a categorical feature", column)
		}
		for _, category := range cat.Categories[i] {
			if !fs.Allowed(column, category) {
				return fmt.Errorf("pipeline category %q of %q is not an allowed value", category, column)
			}
		}
		fitted[column] = cat.Categories[i]
	}
	for _, feature := range fs.CategoricalFeatures() {
		categories, ok := fitted[feature.Name]
		if !ok {
			return fmt.Errorf("categorical feature %q is not read by the pipeline", feature.Name)
		}
		if cat.HandleUnknown == scoring.HandleUnknownIgnore {
			continue
		}
		for _, value := range feature.Values {
			if !slices.Contains(categories, value) {
				return fmt.Errorf("allowed value %q of %q was not fitted by the pipeline", value, feature.Name)
			}
		}
	}
	return nil
}

// fingerprint hashes the record in schema order, so equal records share a key.
func fingerprint(record *assembler.PatientRecord) uint64 {
	h, err := highwayhash.New64(fingerprintKey)
	if err != nil {
		panic(err)
	}
	var buf [8]byte
	for _, name := range record.Names() {
		v, _ := record.Get(name)
		h.Write([]byte(name))
		h.Write([]byte{0})
		if v.IsNumeric() {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Number()))
			h.Write([]byte{'n'})
			h.Write(buf[:])
		} else {
			h.Write([]byte{'s'})
			h.Write([]byte(v.String()))
			h.Write([]byte{0})
		}
	}
	return h.Sum64()
}
