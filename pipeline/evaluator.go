package pipeline

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/dataset"
	"github.com/YuminosukeSato/flowclf/metrics"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/pkg/log"
	"github.com/YuminosukeSato/flowclf/preprocessing"
	"github.com/YuminosukeSato/flowclf/report"
	"github.com/YuminosukeSato/flowclf/telemetry"
)

// EvaluatorConfig describes one evaluation pass.
type EvaluatorConfig struct {
	// LabelColumn names the label column; empty means the last column.
	LabelColumn string
	// Features must match the schema the classifier was trained on. Empty
	// means every column but the label.
	Features []string
	MaxAbs   float64
	Average  metrics.Average
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger sets the logger used for per-chunk progress lines.
func WithEvaluatorLogger(l log.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l }
}

// WithEvaluatorMetrics records chunk outcomes and sample counts in m.
func WithEvaluatorMetrics(m *telemetry.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// Evaluator scores a trained classifier over a chunked source.
type Evaluator struct {
	cfg        EvaluatorConfig
	normalizer *preprocessing.Normalizer
	metrics    *telemetry.Metrics
	logger     log.Logger
}

// NewEvaluator returns an evaluator for cfg.
func NewEvaluator(cfg EvaluatorConfig, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		cfg:        cfg,
		normalizer: preprocessing.NewNormalizer(cfg.LabelColumn, cfg.Features, cfg.MaxAbs),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.GetLoggerWithName("evaluator")
	}
	e.logger = e.logger.With(log.PhaseKey, log.PhaseEvaluate)
	return e
}

// accumulator holds the running state of one pass.
type accumulator struct {
	yTrue   []int
	yPred   []int
	unknown int
	skipped int
	chunks  int
}

// EvaluateStream predicts every usable row of src with clf and scores the
// predictions against the labels encoded through cb.
//
// With preprocessing.Growable an unseen label gets a new code, which clf can
// never predict, so such rows count as misclassified. With
// preprocessing.Frozen cb is never modified; rows with an unseen label are
// dropped and counted in UnknownLabels.
//
// When no row was scored the result is ErrNoEvaluableData. src is always
// closed.
func (e *Evaluator) EvaluateStream(ctx context.Context, src dataset.Source, clf model.Predictor, cb *preprocessing.Codebook, mode preprocessing.Mode) (s *report.Summary, err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = errors.NewPhaseError(log.PhaseEvaluate, 0, cerr)
		}
	}()
	if clf == nil || cb == nil {
		return nil, errors.NewValueError("EvaluateStream", "classifier and codebook are required")
	}

	started := time.Now()
	resolve := cb.Resolver(mode)
	acc := &accumulator{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewPhaseError(log.PhaseEvaluate, acc.chunks+1, err)
		}
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.NewPhaseError(log.PhaseEvaluate, acc.chunks+1, err)
		}
		acc.chunks++
		e.evaluateChunk(batch, clf, resolve, mode, acc)
	}

	if len(acc.yTrue) == 0 {
		return nil, errors.NewPhaseError(log.PhaseEvaluate, 0, errors.ErrNoEvaluableData)
	}
	elapsed := time.Since(started)

	s, err = summarize(acc, e.cfg.Average, cb)
	if err != nil {
		return nil, errors.NewPhaseError(log.PhaseEvaluate, 0, err)
	}
	s.LatencyMs = float64(elapsed.Nanoseconds()) / 1e6 / float64(s.Samples)

	e.logger.Info("evaluation finished",
		log.TotalSamplesKey, s.Samples,
		log.UnknownLabelsKey, s.UnknownLabels,
		"skipped", s.SkippedChunks,
		log.AccuracyKey, s.Accuracy,
		log.F1Key, s.F1,
		log.LatencyMsKey, s.LatencyMs,
		"mode", mode.String(),
	)
	return s, nil
}

func (e *Evaluator) evaluateChunk(batch *dataset.RecordBatch, clf model.Predictor, resolve func(string) int, mode preprocessing.Mode, acc *accumulator) {
	started := time.Now()
	chunkLog := e.logger.With(log.ChunkKey, batch.Index)

	norm := e.normalizer.Normalize(batch)
	if e.metrics != nil {
		e.metrics.AddDropped(log.PhaseEvaluate, norm.DroppedRows)
	}
	switch norm.Outcome {
	case preprocessing.OutcomeSchemaError:
		acc.skipped++
		chunkLog.Warn("chunk skipped", norm.Err, log.ReasonKey, log.ReasonSchema)
		e.observe(telemetry.OutcomeSchema, started)
		return
	case preprocessing.OutcomeEmpty:
		acc.skipped++
		chunkLog.Debug("chunk skipped", log.ReasonKey, log.ReasonEmpty, log.DroppedRowsKey, norm.DroppedRows)
		e.observe(telemetry.OutcomeEmpty, started)
		return
	}

	X := norm.X
	codes := make([]int, 0, norm.Rows())
	keep := make([]int, 0, norm.Rows())
	for i, label := range norm.Labels {
		code := resolve(label)
		if code == preprocessing.UnknownCode {
			continue
		}
		codes = append(codes, code)
		keep = append(keep, i)
	}
	unknown := norm.Rows() - len(keep)
	acc.unknown += unknown
	if e.metrics != nil && unknown > 0 {
		e.metrics.UnknownLabels.Add(float64(unknown))
	}
	if len(keep) == 0 {
		acc.skipped++
		chunkLog.Debug("chunk skipped", log.ReasonKey, log.ReasonEmpty, log.UnknownLabelsKey, unknown)
		e.observe(telemetry.OutcomeEmpty, started)
		return
	}
	if unknown > 0 {
		X = selectRows(norm.X, keep)
	}

	var pred []int
	err := errors.SafeChunk(log.OperationPredict, batch.Index, func() error {
		out, err := clf.Predict(X)
		if err != nil {
			return err
		}
		pred = model.ColumnToInts(out)
		if len(pred) != len(codes) {
			return errors.NewDimensionError("Evaluator.Predict", len(codes), len(pred), 0)
		}
		return nil
	})
	if err != nil {
		acc.skipped++
		chunkLog.Error("chunk failed", err, log.ReasonKey, log.ReasonFailed)
		e.observe(telemetry.OutcomeFailed, started)
		return
	}

	acc.yTrue = append(acc.yTrue, codes...)
	acc.yPred = append(acc.yPred, pred...)
	e.observe(telemetry.OutcomeProcessed, started)
	if e.metrics != nil {
		e.metrics.AddSamples(log.PhaseEvaluate, len(codes))
	}
	chunkLog.Info("chunk evaluated",
		log.SamplesKey, len(codes),
		log.TotalSamplesKey, len(acc.yTrue),
		log.UnknownLabelsKey, unknown,
		log.DurationMsKey, time.Since(started).Milliseconds(),
	)
}

func summarize(acc *accumulator, avg metrics.Average, cb *preprocessing.Codebook) (*report.Summary, error) {
	accuracy, err := metrics.Accuracy(acc.yTrue, acc.yPred)
	if err != nil {
		return nil, err
	}
	scores, err := metrics.PrecisionRecallF1(acc.yTrue, acc.yPred, avg)
	if err != nil {
		return nil, err
	}
	labels, confusion, err := metrics.ConfusionMatrix(acc.yTrue, acc.yPred)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(labels))
	for i, code := range labels {
		name, ok := cb.Label(code)
		if !ok {
			name = strconv.Itoa(code)
		}
		names[i] = name
	}
	return &report.Summary{
		Accuracy:      accuracy,
		Precision:     scores.Precision,
		Recall:        scores.Recall,
		F1:            scores.F1,
		Average:       avg,
		Samples:       len(acc.yTrue),
		UnknownLabels: acc.unknown,
		SkippedChunks: acc.skipped,
		Labels:        labels,
		Names:         names,
		Confusion:     confusion,
	}, nil
}

func (e *Evaluator) observe(outcome string, started time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveChunk(log.PhaseEvaluate, outcome, started)
	}
}
