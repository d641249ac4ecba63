// Package config holds the run configuration. Values are layered: built-in
// defaults, then an optional YAML file, then command-line flags; each later
// layer only replaces the fields it sets.
package config

import (
	"github.com/YuminosukeSato/flowclf/sklearn/drift"
	"github.com/YuminosukeSato/flowclf/sklearn/ensemble"
)

// Config is the full configuration surface of one flowclf invocation.
type Config struct {
	// Input is the CSV file to train on, or to evaluate for the evaluate command.
	Input string `yaml:"input"`
	// EvalInput is evaluated after training; empty means Input.
	EvalInput string `yaml:"eval_input"`

	ModelPath   string `yaml:"model_path"`
	ReportPath  string `yaml:"report_path"`
	HeatmapPath string `yaml:"heatmap_path"`
	MetricsPath string `yaml:"metrics_path"`
	MetricsAddr string `yaml:"metrics_addr"`
	ResultsPath string `yaml:"results_path"`

	ChunkRows   int      `yaml:"chunk_rows"`
	MaxAbs      float64  `yaml:"max_abs"`
	LabelColumn string   `yaml:"label_column"`
	Features    []string `yaml:"features,omitempty"`

	Average      string   `yaml:"average"`
	EvalMode     string   `yaml:"eval_mode"`
	TestFraction *float64 `yaml:"test_fraction"`
	IDColumns    []string `yaml:"id_columns"`

	// DetectionSummaryPath receives the detection figures; empty skips it.
	DetectionSummaryPath string `yaml:"detection_summary_path"`
	// HeuristicColumns are summed per flow and fed to a windowed CUSUM
	// during detection; empty disables the heuristic.
	HeuristicColumns []string `yaml:"heuristic_columns,omitempty"`
	HeuristicWindow  int      `yaml:"heuristic_window"`

	Prefetch *bool `yaml:"prefetch"`
	Progress *bool `yaml:"progress"`

	Forest   Forest   `yaml:"forest"`
	Drift    Drift    `yaml:"drift"`
	Blocking Blocking `yaml:"blocking"`
	Logging  Logging  `yaml:"logging"`
}

// Blocking configures rule generation from detection results and the final
// evaluation that compares blocked and detected addresses.
type Blocking struct {
	RulesDir        string `yaml:"rules_dir"`
	RateLimit       string `yaml:"rate_limit"`
	FinalReportPath string `yaml:"final_report_path"`
	// IPColumns name the results columns whose addresses are blocked.
	IPColumns []string `yaml:"ip_columns,omitempty"`
}

// Forest holds the hyperparameters of each random forest.
type Forest struct {
	NEstimators     int     `yaml:"n_estimators"`
	Criterion       string  `yaml:"criterion"`
	MaxDepth        int     `yaml:"max_depth"`
	MinSamplesSplit int     `yaml:"min_samples_split"`
	MinSamplesLeaf  int     `yaml:"min_samples_leaf"`
	MaxFeatures     string  `yaml:"max_features"`
	Bootstrap       *bool   `yaml:"bootstrap"`
	RandomState     *uint64 `yaml:"random_state"`
	NJobs           int     `yaml:"n_jobs"`
}

// Drift configures the prequential drift check during training.
type Drift struct {
	Enabled         *bool   `yaml:"enabled"`
	MinInstances    int     `yaml:"min_instances"`
	WarningLevel    float64 `yaml:"warning_level"`
	OutControlLevel float64 `yaml:"out_control_level"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

func ptr[T any](v T) *T { return &v }

// Defaults returns the training defaults: chunks of 500,000 rows, macro
// averages and a growable codebook while evaluating the training file.
func Defaults() Config {
	p := ensemble.DefaultParams()
	return Config{
		ModelPath:    "trained_model.flowclf",
		ReportPath:   "model_evaluation.txt",
		ResultsPath:  "results/ml_result.csv",
		ChunkRows:    500_000,
		MaxAbs:       1e6,
		LabelColumn:  "Label",
		Average:      "macro",
		EvalMode:     "growable",
		TestFraction: ptr(0.3),
		IDColumns:    []string{"Source IP", "Destination IP"},
		Prefetch:     ptr(false),
		Progress:     ptr(false),

		DetectionSummaryPath: "results/detection_metrics.txt",
		HeuristicWindow:      1000,
		Blocking: Blocking{
			RulesDir:        "results/blocking",
			RateLimit:       "5pps",
			FinalReportPath: "final_eval.txt",
		},
		Forest: Forest{
			NEstimators:     p.NEstimators,
			Criterion:       p.Criterion,
			MaxDepth:        p.MaxDepth,
			MinSamplesSplit: p.MinSamplesSplit,
			MinSamplesLeaf:  p.MinSamplesLeaf,
			MaxFeatures:     p.MaxFeatures,
			Bootstrap:       ptr(p.Bootstrap),
			RandomState:     ptr(p.RandomState),
			NJobs:           p.NJobs,
		},
		Drift: Drift{
			Enabled:         ptr(false),
			MinInstances:    30,
			WarningLevel:    2,
			OutControlLevel: 3,
		},
		Logging: Logging{Level: "info", Format: "console"},
	}
}

// EvaluateDefaults returns the defaults of a standalone evaluation: chunks of
// 100,000 rows, weighted averages, the last column as the label and a frozen
// codebook.
func EvaluateDefaults() Config {
	cfg := Defaults()
	cfg.ChunkRows = 100_000
	cfg.Average = "weighted"
	cfg.EvalMode = "frozen"
	cfg.LabelColumn = ""
	return cfg
}

// ForestParams converts the forest section into ensemble parameters.
func (c Config) ForestParams() ensemble.Params {
	p := ensemble.Params{
		NEstimators:     c.Forest.NEstimators,
		Criterion:       c.Forest.Criterion,
		MaxDepth:        c.Forest.MaxDepth,
		MinSamplesSplit: c.Forest.MinSamplesSplit,
		MinSamplesLeaf:  c.Forest.MinSamplesLeaf,
		MaxFeatures:     c.Forest.MaxFeatures,
		NJobs:           c.Forest.NJobs,
	}
	if c.Forest.Bootstrap != nil {
		p.Bootstrap = *c.Forest.Bootstrap
	}
	if c.Forest.RandomState != nil {
		p.RandomState = *c.Forest.RandomState
	}
	return p
}

// NewDetector builds the drift detector described by the drift section.
func (c Config) NewDetector() *drift.DDM {
	return drift.NewDDM(
		drift.WithMinNumInstances(c.Drift.MinInstances),
		drift.WithWarningLevel(c.Drift.WarningLevel),
		drift.WithOutControlLevel(c.Drift.OutControlLevel),
	)
}

// EvalPath returns the file evaluated after training.
func (c Config) EvalPath() string {
	if c.EvalInput != "" {
		return c.EvalInput
	}
	return c.Input
}

// Enabled reports whether a tri-state flag is set to true.
func Enabled(b *bool) bool {
	return b != nil && *b
}
