package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"
	"time"

	"github.com/YuminosukeSato/flowclf/artifact"
	"github.com/YuminosukeSato/flowclf/config"
	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/dataset"
	"github.com/YuminosukeSato/flowclf/metrics"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/pkg/log"
	"github.com/YuminosukeSato/flowclf/pipeline"
	"github.com/YuminosukeSato/flowclf/preprocessing"
	"github.com/YuminosukeSato/flowclf/report"
	"github.com/YuminosukeSato/flowclf/telemetry"
)

// session holds what every data-reading command sets up before its pass.
type session struct {
	cfg     config.Config
	logger  log.Logger
	metrics *telemetry.Metrics
	stderr  io.Writer
}

func start(ctx context.Context, cfg config.Config, stderr io.Writer) (*session, error) {
	if err := log.SetupLogger(cfg.Logging.Level, stderr, cfg.Logging.Format == "console"); err != nil {
		return nil, err
	}
	s := &session{
		cfg:     cfg,
		logger:  log.GetLoggerWithName("flowclf"),
		metrics: telemetry.New(),
		stderr:  stderr,
	}
	s.logger.Debug("effective configuration\n" + cfg.String())
	if cfg.MetricsAddr != "" {
		go func() {
			if err := s.metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				s.logger.Error("metrics server stopped", err)
			}
		}()
		s.logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}
	return s, nil
}

// finish writes the metrics textfile. It runs whether or not the pass failed.
func (s *session) finish() {
	if s.cfg.MetricsPath == "" {
		return
	}
	if err := s.metrics.WriteTextfile(s.cfg.MetricsPath); err != nil {
		s.logger.Error("metrics not written", err)
	}
}

func (s *session) open(ctx context.Context, path string) (dataset.Source, error) {
	opts := []dataset.Option{dataset.WithLogger(log.GetLoggerWithName("dataset"))}
	if config.Enabled(s.cfg.Progress) {
		opts = append(opts, dataset.WithProgress(s.stderr))
	}
	src, err := dataset.Open(path, s.cfg.ChunkRows, opts...)
	if err != nil {
		return nil, err
	}
	if config.Enabled(s.cfg.Prefetch) {
		return dataset.Prefetch(ctx, src), nil
	}
	return src, nil
}

// evaluate runs one evaluation pass and publishes its summary to stdout, the
// report file and the optional heatmap.
func (s *session) evaluate(ctx context.Context, path string, clf model.Predictor, cb *preprocessing.Codebook, features []string, labelColumn string, maxAbs float64, stdout io.Writer) error {
	avg, err := metrics.ParseAverage(s.cfg.Average)
	if err != nil {
		return err
	}
	mode, err := preprocessing.ParseMode(s.cfg.EvalMode)
	if err != nil {
		return err
	}
	src, err := s.open(ctx, path)
	if err != nil {
		return errors.NewPhaseError(log.PhaseEvaluate, 0, err)
	}
	ev := pipeline.NewEvaluator(pipeline.EvaluatorConfig{
		LabelColumn: labelColumn,
		Features:    features,
		MaxAbs:      maxAbs,
		Average:     avg,
	}, pipeline.WithEvaluatorLogger(log.GetLoggerWithName("evaluator")), pipeline.WithEvaluatorMetrics(s.metrics))

	summary, err := ev.EvaluateStream(ctx, src, clf, cb, mode)
	if err != nil {
		return err
	}
	if err := report.WriteText(stdout, summary); err != nil {
		return err
	}
	if s.cfg.ReportPath != "" {
		if err := report.WriteFile(s.cfg.ReportPath, summary); err != nil {
			return errors.NewPhaseError(log.PhaseEvaluate, 0, err)
		}
		s.logger.Info("report written", log.PathKey, s.cfg.ReportPath)
	}
	if s.cfg.HeatmapPath != "" {
		if err := report.WriteHeatmap(s.cfg.HeatmapPath, summary); err != nil {
			return errors.NewPhaseError(log.PhaseEvaluate, 0, err)
		}
		s.logger.Info("heatmap written", log.PathKey, s.cfg.HeatmapPath)
	}
	return nil
}

func runTrain(ctx context.Context, cfg config.Config, evaluate bool, stdout, stderr io.Writer) error {
	s, err := start(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer s.finish()

	opts := []pipeline.TrainerOption{
		pipeline.WithTrainerLogger(log.GetLoggerWithName("trainer")),
		pipeline.WithTrainerMetrics(s.metrics),
	}
	if config.Enabled(cfg.Drift.Enabled) {
		opts = append(opts, pipeline.WithDriftDetector(cfg.NewDetector()))
	}
	trainer, err := pipeline.NewTrainer(pipeline.TrainerConfig{
		LabelColumn:  cfg.LabelColumn,
		Features:     cfg.Features,
		MaxAbs:       cfg.MaxAbs,
		ArtifactPath: cfg.ModelPath,
		Params:       cfg.ForestParams(),
	}, opts...)
	if err != nil {
		return err
	}

	src, err := s.open(ctx, cfg.Input)
	if err != nil {
		return errors.NewPhaseError(log.PhaseTrain, 0, err)
	}
	cb := preprocessing.NewCodebook()
	res, err := trainer.TrainStream(ctx, src, cb)
	if err != nil {
		return err
	}
	if !evaluate {
		return nil
	}
	return s.evaluate(ctx, cfg.EvalPath(), res.Model, cb, res.Features, cfg.LabelColumn, cfg.MaxAbs, stdout)
}

func runEvaluate(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	s, err := start(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer s.finish()

	b, err := artifact.Load(cfg.ModelPath)
	if err != nil {
		return errors.NewPhaseError(log.PhaseEvaluate, 0, err)
	}
	s.logger.Info("model loaded",
		log.PathKey, cfg.ModelPath,
		log.RunIDKey, b.RunID,
		log.MembersKey, b.Model.Members(),
		log.ClassesKey, b.Codebook.Len(),
	)
	return s.evaluate(ctx, cfg.Input, b.Model, b.Codebook, b.Features, cfg.LabelColumn, b.MaxAbs, stdout)
}

func runDetect(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	s, err := start(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer s.finish()

	var read []dataset.Option
	if config.Enabled(cfg.Progress) {
		read = append(read, dataset.WithProgress(stderr))
	}
	res, err := pipeline.Detect(ctx, pipeline.DetectConfig{
		Input:        cfg.Input,
		LabelColumn:  cfg.LabelColumn,
		Features:     cfg.Features,
		IDColumns:    cfg.IDColumns,
		MaxAbs:       cfg.MaxAbs,
		TestFraction: cfg.TestFraction,
		ResultsPath:  cfg.ResultsPath,
		Params:       cfg.ForestParams(),
		ReadOptions:  read,

		HeuristicColumns: cfg.HeuristicColumns,
		HeuristicWindow:  cfg.HeuristicWindow,
		SummaryPath:      cfg.DetectionSummaryPath,
	}, pipeline.WithDetectLogger(log.GetLoggerWithName("detect")), pipeline.WithDetectMetrics(s.metrics))
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Flagged %d of %d flows", res.Flagged, res.Rows)
	if !math.IsNaN(res.HoldoutAccuracy) {
		fmt.Fprintf(stdout, " (holdout accuracy %.4f on %d rows)", res.HoldoutAccuracy, res.TestRows)
	}
	fmt.Fprintln(stdout)
	if len(cfg.HeuristicColumns) > 0 {
		fmt.Fprintf(stdout, "CUSUM flagged %d of %d flows\n", res.HeuristicFlagged, res.Rows)
	}
	if res.ResultsPath != "" {
		fmt.Fprintf(stdout, "ML detection results saved to %s\n", res.ResultsPath)
	}
	return nil
}

func runBlock(ctx context.Context, cfg config.Config, final bool, stdout, stderr io.Writer) error {
	s, err := start(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer s.finish()

	res, err := pipeline.Block(ctx, pipeline.BlockConfig{
		ResultsPath: cfg.Input,
		RulesDir:    cfg.Blocking.RulesDir,
		IPColumns:   cfg.Blocking.IPColumns,
		RateLimit:   cfg.Blocking.RateLimit,
		ChunkRows:   cfg.ChunkRows,
	}, pipeline.WithBlockLogger(log.GetLoggerWithName("block")), pipeline.WithBlockMetrics(s.metrics))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Blocking rules written for %d unique IPs to %s\n", len(res.IPs), cfg.Blocking.RulesDir)
	if !final {
		return nil
	}

	var appendices []report.Appendix
	if cfg.DetectionSummaryPath != "" {
		appendices = append(appendices, report.Appendix{Title: "Detection Evaluation", Path: cfg.DetectionSummaryPath})
	}
	if cfg.ReportPath != "" {
		appendices = append(appendices, report.Appendix{Title: "ML Model Evaluation", Path: cfg.ReportPath})
	}
	fe, err := pipeline.FinalEvaluation(ctx, pipeline.FinalEvaluationConfig{
		ResultsPath: cfg.Input,
		RulesDir:    cfg.Blocking.RulesDir,
		IPColumns:   cfg.Blocking.IPColumns,
		ChunkRows:   cfg.ChunkRows,
		Appendices:  appendices,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	if err := report.WriteFinal(stdout, fe); err != nil {
		return err
	}
	if path := cfg.Blocking.FinalReportPath; path != "" {
		if err := report.WriteFinalFile(path, fe); err != nil {
			return errors.NewPhaseError(log.PhaseBlock, 0, err)
		}
		s.logger.Info("final evaluation written", log.PathKey, path)
	}
	return nil
}

func runInspect(path string, stdout io.Writer) error {
	b, err := artifact.Load(path)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run id:\t%s\n", b.RunID)
	fmt.Fprintf(w, "Created:\t%s\n", b.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Format version:\t%d\n", b.Version)
	fmt.Fprintf(w, "BLAKE3:\t%s\n", b.Digest())
	fmt.Fprintf(w, "Label column:\t%s\n", labelOrLast(b.LabelColumn))
	fmt.Fprintf(w, "Features:\t%d\n", len(b.Features))
	fmt.Fprintf(w, "Trained samples:\t%d\n", b.TrainedSamples)
	fmt.Fprintf(w, "Members:\t%d\n", b.Model.Members())
	fmt.Fprintf(w, "Trees per member:\t%d\n", b.Model.Params().NEstimators)
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(stdout, "\nFeature columns:")
	importances := b.Model.FeatureImportances()
	for i, f := range b.Features {
		imp := 0.0
		if i < len(importances) {
			imp = importances[i]
		}
		fmt.Fprintf(stdout, "  %-40s %.4f\n", f, imp)
	}
	fmt.Fprintln(stdout, "\nLabel codebook:")
	for code, label := range b.Codebook.CodesToLabels() {
		fmt.Fprintf(stdout, "  %d: %s\n", code, label)
	}
	return nil
}

func labelOrLast(label string) string {
	if label == "" {
		return "(last column)"
	}
	return label
}
