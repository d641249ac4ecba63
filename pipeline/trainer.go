// Package pipeline drives the chunked passes over a flow-record source: the
// incremental trainer, the streaming evaluator and the non-streaming detector.
package pipeline

import (
	"context"
	"io"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/artifact"
	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/dataset"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/pkg/log"
	"github.com/YuminosukeSato/flowclf/preprocessing"
	"github.com/YuminosukeSato/flowclf/sklearn/drift"
	"github.com/YuminosukeSato/flowclf/sklearn/ensemble"
	"github.com/YuminosukeSato/flowclf/telemetry"
)

// TrainerConfig describes one training pass.
type TrainerConfig struct {
	// LabelColumn names the label column; empty means the last column.
	LabelColumn string
	// Features lists the feature columns; empty means every column but the label.
	Features []string
	MaxAbs   float64
	// ArtifactPath is where the trained model is saved. Empty skips saving.
	ArtifactPath string
	Params       ensemble.Params
}

// TrainResult is what a successful training pass produced.
type TrainResult struct {
	Model    *ensemble.ChunkEnsemble
	Codebook *preprocessing.Codebook
	// Features is the schema pinned by the first usable chunk.
	Features       []string
	TrainedSamples int
	Chunks         int
	SkippedChunks  int
	DroppedRows    int
	Drifts         int
	// Bundle is the saved artifact, nil when ArtifactPath was empty.
	Bundle   *artifact.Bundle
	Duration time.Duration
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

// WithTrainerLogger sets the logger used for per-chunk progress lines.
func WithTrainerLogger(l log.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = l }
}

// WithTrainerMetrics records chunk outcomes and sample counts in m.
func WithTrainerMetrics(m *telemetry.Metrics) TrainerOption {
	return func(t *Trainer) { t.metrics = m }
}

// WithDriftDetector enables the prequential drift check. Each chunk is
// predicted before it is learned and every correctness bit feeds d.
func WithDriftDetector(d *drift.DDM) TrainerOption {
	return func(t *Trainer) { t.detector = d }
}

// WithEnsemble continues training an existing ensemble instead of a new one.
func WithEnsemble(m *ensemble.ChunkEnsemble) TrainerOption {
	return func(t *Trainer) { t.model = m }
}

// Trainer applies chunks, in order, to a ChunkEnsemble.
type Trainer struct {
	cfg        TrainerConfig
	normalizer *preprocessing.Normalizer
	model      *ensemble.ChunkEnsemble
	detector   *drift.DDM
	metrics    *telemetry.Metrics
	logger     log.Logger
}

// NewTrainer validates cfg and returns a trainer owning a fresh ensemble.
func NewTrainer(cfg TrainerConfig, opts ...TrainerOption) (*Trainer, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:        cfg,
		normalizer: preprocessing.NewNormalizer(cfg.LabelColumn, cfg.Features, cfg.MaxAbs),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.model == nil {
		t.model = ensemble.NewChunkEnsemble(ensemble.WithParams(cfg.Params))
	}
	if t.logger == nil {
		t.logger = log.GetLoggerWithName("trainer")
	}
	t.logger = t.logger.With(log.PhaseKey, log.PhaseTrain)
	return t, nil
}

// Model returns the ensemble being trained.
func (t *Trainer) Model() *ensemble.ChunkEnsemble {
	return t.model
}

// TrainStream consumes src to exhaustion. A chunk whose schema does not fit
// is logged and skipped, an empty chunk is skipped silently and a chunk whose
// update fails is logged and skipped; none of these stop the pass. Read
// errors and cancellation are fatal. src is always closed.
//
// When no chunk contributed a sample the result is ErrNoTrainableData and
// nothing is saved.
func (t *Trainer) TrainStream(ctx context.Context, src dataset.Source, cb *preprocessing.Codebook) (res *TrainResult, err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = errors.NewPhaseError(log.PhaseTrain, 0, cerr)
		}
	}()
	if cb == nil {
		return nil, errors.NewValueError("TrainStream", "codebook is nil")
	}

	started := time.Now()
	res = &TrainResult{Model: t.model, Codebook: cb}
	if t.model.IsFitted() {
		res.TrainedSamples = t.model.TrainedSamples()
	}
	baseline := res.TrainedSamples

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewPhaseError(log.PhaseTrain, res.Chunks+1, err)
		}
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.NewPhaseError(log.PhaseTrain, res.Chunks+1, err)
		}
		res.Chunks++
		t.trainChunk(batch, cb, res)
	}

	if res.TrainedSamples == baseline {
		return nil, errors.NewPhaseError(log.PhaseTrain, 0, errors.ErrNoTrainableData)
	}
	res.Duration = time.Since(started)

	t.logger.Info("training finished",
		log.TotalSamplesKey, res.TrainedSamples,
		"chunks", res.Chunks,
		"skipped", res.SkippedChunks,
		log.MembersKey, t.model.Members(),
		log.ClassesKey, cb.Len(),
		log.DurationMsKey, res.Duration.Milliseconds(),
	)

	if t.cfg.ArtifactPath != "" {
		b := artifact.New(t.model, cb, res.Features, t.cfg.LabelColumn, t.cfg.MaxAbs)
		if err := artifact.Save(t.cfg.ArtifactPath, b); err != nil {
			return nil, errors.NewPhaseError(log.PhaseTrain, 0, err)
		}
		res.Bundle = b
		t.logger.Info("model saved",
			log.PathKey, t.cfg.ArtifactPath,
			log.RunIDKey, b.RunID,
			"digest", b.Digest(),
		)
	}
	return res, nil
}

func (t *Trainer) trainChunk(batch *dataset.RecordBatch, cb *preprocessing.Codebook, res *TrainResult) {
	started := time.Now()
	chunkLog := t.logger.With(log.ChunkKey, batch.Index)

	norm := t.normalizer.Normalize(batch)
	res.DroppedRows += norm.DroppedRows
	t.dropped(norm.DroppedRows)

	switch norm.Outcome {
	case preprocessing.OutcomeSchemaError:
		res.SkippedChunks++
		chunkLog.Warn("chunk skipped", norm.Err, log.ReasonKey, log.ReasonSchema)
		t.observe(telemetry.OutcomeSchema, started)
		return
	case preprocessing.OutcomeEmpty:
		res.SkippedChunks++
		chunkLog.Debug("chunk skipped", log.ReasonKey, log.ReasonEmpty, log.DroppedRowsKey, norm.DroppedRows)
		t.observe(telemetry.OutcomeEmpty, started)
		return
	}

	if res.Features == nil {
		res.Features = slices.Clone(norm.Features)
	} else if !slices.Equal(res.Features, norm.Features) {
		res.SkippedChunks++
		err := errors.NewSchemaError(batch.Index, "", "feature columns differ from the first trained chunk")
		chunkLog.Warn("chunk skipped", err, log.ReasonKey, log.ReasonSchema)
		t.observe(telemetry.OutcomeSchema, started)
		return
	}

	codes := make([]int, len(norm.Labels))
	for i, label := range norm.Labels {
		codes[i] = cb.AssignOrLookup(label)
	}

	err := errors.SafeChunk(log.OperationPartialFit, batch.Index, func() error {
		if t.detector != nil && t.model.IsFitted() {
			if err := t.checkDrift(batch.Index, norm.X, codes, res); err != nil {
				return err
			}
		}
		return t.model.PartialFit(norm.X, model.IntsToColumn(codes), cb.Codes())
	})
	if err != nil {
		res.SkippedChunks++
		chunkLog.Error("chunk failed", err, log.ReasonKey, log.ReasonFailed)
		t.observe(telemetry.OutcomeFailed, started)
		return
	}

	rows := norm.Rows()
	res.TrainedSamples += rows
	t.observe(telemetry.OutcomeProcessed, started)
	if t.metrics != nil {
		t.metrics.AddSamples(log.PhaseTrain, rows)
		t.metrics.Members.Set(float64(t.model.Members()))
		t.metrics.Classes.Set(float64(cb.Len()))
	}
	chunkLog.Info("chunk trained",
		log.SamplesKey, rows,
		log.TotalSamplesKey, res.TrainedSamples,
		log.DroppedRowsKey, norm.DroppedRows,
		log.DurationMsKey, time.Since(started).Milliseconds(),
	)
}

// checkDrift predicts the chunk with the current ensemble and feeds the
// outcome to the detector. Drift only raises a warning; the update proceeds.
func (t *Trainer) checkDrift(chunk int, X mat.Matrix, codes []int, res *TrainResult) error {
	pred, err := t.model.Predict(X)
	if err != nil {
		return err
	}
	result, drifted := t.detector.UpdateBatch(model.ColumnToInts(pred), codes)
	if !drifted {
		return nil
	}
	res.Drifts++
	if t.metrics != nil {
		t.metrics.Drifts.Inc()
	}
	errors.Warn(result.Warning(chunk, "continue training"))
	return nil
}

func (t *Trainer) observe(outcome string, started time.Time) {
	if t.metrics != nil {
		t.metrics.ObserveChunk(log.PhaseTrain, outcome, started)
	}
}

func (t *Trainer) dropped(n int) {
	if t.metrics != nil {
		t.metrics.AddDropped(log.PhaseTrain, n)
	}
}
