package config

import (
	"bytes"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/flowclf/metrics"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/pkg/log"
	"github.com/YuminosukeSato/flowclf/preprocessing"
)

// LoadYAML parses a config file. Unknown keys are rejected so that a typo
// does not silently fall back to a default.
func LoadYAML(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.NewReadError(path, "open", err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, errors.NewReadError(path, "parse config", err)
	}
	return cfg, nil
}

// Decode parses YAML from r with unknown keys rejected. An empty document
// yields the zero Config.
func Decode(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return errors.Wrap(err, "encode config")
	}
	return enc.Close()
}

// String renders cfg as YAML, for logging the effective configuration.
func (c Config) String() string {
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return err.Error()
	}
	return buf.String()
}

// Merge returns base with every field set in over applied on top. Strings,
// numbers and slices count as set when non-zero; tri-state flags when non-nil.
func Merge(base, over Config) Config {
	out := base
	str(&out.Input, over.Input)
	str(&out.EvalInput, over.EvalInput)
	str(&out.ModelPath, over.ModelPath)
	str(&out.ReportPath, over.ReportPath)
	str(&out.HeatmapPath, over.HeatmapPath)
	str(&out.MetricsPath, over.MetricsPath)
	str(&out.MetricsAddr, over.MetricsAddr)
	str(&out.ResultsPath, over.ResultsPath)
	str(&out.LabelColumn, over.LabelColumn)
	str(&out.Average, over.Average)
	str(&out.EvalMode, over.EvalMode)
	num(&out.ChunkRows, over.ChunkRows)
	num(&out.MaxAbs, over.MaxAbs)
	if over.TestFraction != nil {
		out.TestFraction = ptr(*over.TestFraction)
	}
	if len(over.Features) > 0 {
		out.Features = slices.Clone(over.Features)
	}
	if len(over.IDColumns) > 0 {
		out.IDColumns = slices.Clone(over.IDColumns)
	}
	str(&out.DetectionSummaryPath, over.DetectionSummaryPath)
	if len(over.HeuristicColumns) > 0 {
		out.HeuristicColumns = slices.Clone(over.HeuristicColumns)
	}
	num(&out.HeuristicWindow, over.HeuristicWindow)
	str(&out.Blocking.RulesDir, over.Blocking.RulesDir)
	str(&out.Blocking.RateLimit, over.Blocking.RateLimit)
	str(&out.Blocking.FinalReportPath, over.Blocking.FinalReportPath)
	if len(over.Blocking.IPColumns) > 0 {
		out.Blocking.IPColumns = slices.Clone(over.Blocking.IPColumns)
	}
	flag(&out.Prefetch, over.Prefetch)
	flag(&out.Progress, over.Progress)

	num(&out.Forest.NEstimators, over.Forest.NEstimators)
	str(&out.Forest.Criterion, over.Forest.Criterion)
	num(&out.Forest.MaxDepth, over.Forest.MaxDepth)
	num(&out.Forest.MinSamplesSplit, over.Forest.MinSamplesSplit)
	num(&out.Forest.MinSamplesLeaf, over.Forest.MinSamplesLeaf)
	str(&out.Forest.MaxFeatures, over.Forest.MaxFeatures)
	num(&out.Forest.NJobs, over.Forest.NJobs)
	flag(&out.Forest.Bootstrap, over.Forest.Bootstrap)
	if over.Forest.RandomState != nil {
		out.Forest.RandomState = ptr(*over.Forest.RandomState)
	}

	flag(&out.Drift.Enabled, over.Drift.Enabled)
	num(&out.Drift.MinInstances, over.Drift.MinInstances)
	num(&out.Drift.WarningLevel, over.Drift.WarningLevel)
	num(&out.Drift.OutControlLevel, over.Drift.OutControlLevel)

	str(&out.Logging.Level, over.Logging.Level)
	str(&out.Logging.Format, over.Logging.Format)
	return out
}

func str(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func num[T int | float64](dst *T, v T) {
	if v != 0 {
		*dst = v
	}
}

func flag(dst **bool, v *bool) {
	if v != nil {
		*dst = ptr(*v)
	}
}

// Validate checks the merged configuration. It does not touch the filesystem.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Input) == "" {
		return errors.NewValidationError("input", "must be set", cfg.Input)
	}
	if cfg.ChunkRows <= 0 {
		return errors.NewValidationError("chunk_rows", "must be positive", cfg.ChunkRows)
	}
	if cfg.MaxAbs <= 0 {
		return errors.NewValidationError("max_abs", "must be positive", cfg.MaxAbs)
	}
	if f := cfg.TestFraction; f != nil && (*f < 0 || *f >= 1) {
		return errors.NewValidationError("test_fraction", "must be in [0, 1)", *f)
	}
	if cfg.HeuristicWindow < 0 {
		return errors.NewValidationError("heuristic_window", "must not be negative", cfg.HeuristicWindow)
	}
	if _, err := metrics.ParseAverage(cfg.Average); err != nil {
		return err
	}
	if _, err := preprocessing.ParseMode(cfg.EvalMode); err != nil {
		return err
	}
	label := strings.TrimSpace(cfg.LabelColumn)
	seen := make(map[string]bool, len(cfg.Features))
	for _, f := range cfg.Features {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
			return errors.NewValidationError("features", "must not contain empty names", cfg.Features)
		case label != "" && f == label:
			return errors.NewValidationError("features", "must not include the label column", f)
		case seen[f]:
			return errors.NewValidationError("features", "must not repeat a column", f)
		}
		seen[f] = true
	}
	if err := cfg.ForestParams().Validate(); err != nil {
		return err
	}
	if err := cfg.NewDetector().Validate(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Logging.Format != "console" && cfg.Logging.Format != "json" {
		return errors.NewValidationError("logging.format", "must be console or json", cfg.Logging.Format)
	}
	return nil
}
