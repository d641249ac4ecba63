// Command flowclf trains, evaluates and applies network-flow classifiers over
// CSV files too large to load at once.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"

	"github.com/YuminosukeSato/flowclf/config"
)

// common are the flags shared by every data-reading command.
type common struct {
	Input       string   `arg:"positional" help:"input CSV file"`
	Config      string   `arg:"-c,--config" help:"YAML config file; flags override its values"`
	LabelColumn string   `arg:"--label-column" help:"label column name (default: Label for train and detect, last column for evaluate)"`
	Features    []string `arg:"--feature,separate" help:"feature column; repeat for each column (default: every column but the label)"`
	ChunkRows   int      `arg:"--chunk-rows" help:"rows per chunk"`
	MaxAbs      float64  `arg:"--max-abs" help:"clip features to [-M, M]"`
	Prefetch    *bool    `arg:"--prefetch" help:"read the next chunk while the current one is processed; --prefetch=false overrides the config file"`
	Progress    *bool    `arg:"--progress" help:"show a progress bar over the input file on stderr; --progress=false overrides the config file"`
	LogLevel    string   `arg:"--log-level" help:"debug, info, warn or error"`
	LogFormat   string   `arg:"--log-format" help:"console or json"`
	MetricsFile string   `arg:"--metrics-file" help:"write Prometheus metrics to this textfile when done"`
	MetricsAddr string   `arg:"--metrics-addr" help:"serve Prometheus metrics on this address while running"`
}

type forestFlags struct {
	Trees       int     `arg:"--trees" help:"trees per random forest"`
	MaxDepth    int     `arg:"--max-depth" help:"maximum tree depth, 0 for unlimited"`
	MaxFeatures string  `arg:"--max-features" help:"features tried per split: sqrt, log2, all or a number"`
	Seed        *uint64 `arg:"--seed" help:"random seed"`
	Jobs        int     `arg:"--jobs" help:"parallel tree builders, 0 for one per CPU"`
}

type trainCmd struct {
	common
	forestFlags
	Model     string `arg:"-o,--model" help:"where to save the trained model"`
	EvalInput string `arg:"--eval-input" help:"file evaluated after training (default: the input)"`
	NoEval    bool   `arg:"--no-eval" help:"skip the evaluation after training"`
	Report    string `arg:"--report" help:"report file"`
	Heatmap   string `arg:"--heatmap" help:"write the confusion matrix as a PNG heatmap"`
	Average   string `arg:"--average" help:"macro or weighted"`
	EvalMode  string `arg:"--eval-mode" help:"growable or frozen label codebook while evaluating"`
	Drift     *bool  `arg:"--drift" help:"warn when the error rate on incoming chunks drifts"`
}

type evaluateCmd struct {
	common
	Model    string `arg:"-m,--model,required" help:"trained model file"`
	Report   string `arg:"--report" help:"report file"`
	Heatmap  string `arg:"--heatmap" help:"write the confusion matrix as a PNG heatmap"`
	Average  string `arg:"--average" help:"macro or weighted"`
	EvalMode string `arg:"--eval-mode" help:"growable or frozen label codebook"`
}

type detectCmd struct {
	common
	forestFlags
	Results      string   `arg:"-o,--results" help:"results CSV"`
	IDColumns    []string `arg:"--id-column,separate" help:"identifier column copied to the results; repeat for each column"`
	TestFraction *float64 `arg:"--test-fraction" help:"share of rows held out to measure accuracy, 0 to train on every row"`
	Summary      string   `arg:"--summary" help:"detection figures file"`
	CUSUMColumns []string `arg:"--cusum-column,separate" help:"column summed per flow for the windowed CUSUM flag; repeat for each column"`
	CUSUMWindow  int      `arg:"--cusum-window" help:"flows per CUSUM window"`
}

type blockCmd struct {
	Results          string   `arg:"positional" help:"detection results CSV (default: the configured results path)"`
	Config           string   `arg:"-c,--config" help:"YAML config file; flags override its values"`
	RulesDir         string   `arg:"--rules-dir" help:"directory for the RTBH and rate-limit rule files"`
	RateLimit        string   `arg:"--rate-limit" help:"rate attached to every ACL rule"`
	IPColumns        []string `arg:"--ip-column,separate" help:"results column holding an address to block; repeat for each column"`
	FinalReport      string   `arg:"--final-report" help:"final evaluation file"`
	NoFinal          bool     `arg:"--no-final" help:"only write the rule files"`
	DetectionSummary string   `arg:"--detection-summary" help:"detection figures appended to the final evaluation"`
	ModelReport      string   `arg:"--model-report" help:"model evaluation report appended to the final evaluation"`
	LogLevel         string   `arg:"--log-level" help:"debug, info, warn or error"`
	LogFormat        string   `arg:"--log-format" help:"console or json"`
	MetricsFile      string   `arg:"--metrics-file" help:"write Prometheus metrics to this textfile when done"`
}

type inspectCmd struct {
	Model string `arg:"positional,required" help:"trained model file"`
}

type args struct {
	Train    *trainCmd    `arg:"subcommand:train" help:"train a model chunk by chunk and evaluate it"`
	Evaluate *evaluateCmd `arg:"subcommand:evaluate" help:"evaluate a saved model chunk by chunk"`
	Detect   *detectCmd   `arg:"subcommand:detect" help:"flag every flow of a file with a freshly trained forest"`
	Block    *blockCmd    `arg:"subcommand:block" help:"write blocking rules for flagged flows and the final evaluation"`
	Inspect  *inspectCmd  `arg:"subcommand:inspect" help:"print what a saved model contains"`
}

func (args) Version() string {
	return "flowclf 0.3.0"
}

func (args) Description() string {
	return `Chunked random-forest classification of network flow records.`
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing command: train, evaluate, detect, block or inspect")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, &a, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *args, stdout, stderr io.Writer) error {
	switch {
	case a.Train != nil:
		cfg, err := a.Train.config()
		if err != nil {
			return err
		}
		return runTrain(ctx, cfg, !a.Train.NoEval, stdout, stderr)
	case a.Evaluate != nil:
		cfg, err := a.Evaluate.config()
		if err != nil {
			return err
		}
		return runEvaluate(ctx, cfg, stdout, stderr)
	case a.Detect != nil:
		cfg, err := a.Detect.config()
		if err != nil {
			return err
		}
		return runDetect(ctx, cfg, stdout, stderr)
	case a.Block != nil:
		cfg, err := a.Block.config()
		if err != nil {
			return err
		}
		return runBlock(ctx, cfg, !a.Block.NoFinal, stdout, stderr)
	case a.Inspect != nil:
		return runInspect(a.Inspect.Model, stdout)
	}
	return nil
}

// layer merges defaults, the config file and the flags, in that order.
func layer(defaults config.Config, file string, flags config.Config) (config.Config, error) {
	cfg := defaults
	if file != "" {
		fromFile, err := config.LoadYAML(file)
		if err != nil {
			return config.Config{}, err
		}
		cfg = config.Merge(cfg, fromFile)
	}
	cfg = config.Merge(cfg, flags)
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (c common) overlay() config.Config {
	o := config.Config{
		Input:       c.Input,
		LabelColumn: c.LabelColumn,
		Features:    c.Features,
		ChunkRows:   c.ChunkRows,
		MaxAbs:      c.MaxAbs,
		MetricsPath: c.MetricsFile,
		MetricsAddr: c.MetricsAddr,
		Logging:     config.Logging{Level: c.LogLevel, Format: c.LogFormat},
		Prefetch:    c.Prefetch,
		Progress:    c.Progress,
	}
	return o
}

func (f forestFlags) apply(o *config.Config) {
	o.Forest.NEstimators = f.Trees
	o.Forest.MaxDepth = f.MaxDepth
	o.Forest.MaxFeatures = f.MaxFeatures
	o.Forest.RandomState = f.Seed
	o.Forest.NJobs = f.Jobs
}

func (t *trainCmd) config() (config.Config, error) {
	o := t.overlay()
	t.forestFlags.apply(&o)
	o.ModelPath = t.Model
	o.EvalInput = t.EvalInput
	o.ReportPath = t.Report
	o.HeatmapPath = t.Heatmap
	o.Average = t.Average
	o.EvalMode = t.EvalMode
	o.Drift.Enabled = t.Drift
	return layer(config.Defaults(), t.Config, o)
}

func (e *evaluateCmd) config() (config.Config, error) {
	o := e.overlay()
	o.ModelPath = e.Model
	o.ReportPath = e.Report
	o.HeatmapPath = e.Heatmap
	o.Average = e.Average
	o.EvalMode = e.EvalMode
	return layer(config.EvaluateDefaults(), e.Config, o)
}

func (d *detectCmd) config() (config.Config, error) {
	o := d.overlay()
	d.forestFlags.apply(&o)
	o.ResultsPath = d.Results
	o.IDColumns = d.IDColumns
	o.TestFraction = d.TestFraction
	o.DetectionSummaryPath = d.Summary
	o.HeuristicColumns = d.CUSUMColumns
	o.HeuristicWindow = d.CUSUMWindow
	return layer(config.Defaults(), d.Config, o)
}

func (b *blockCmd) config() (config.Config, error) {
	defaults := config.Defaults()
	defaults.Input = defaults.ResultsPath
	o := config.Config{
		Input:                b.Results,
		ReportPath:           b.ModelReport,
		DetectionSummaryPath: b.DetectionSummary,
		MetricsPath:          b.MetricsFile,
		Blocking: config.Blocking{
			RulesDir:        b.RulesDir,
			RateLimit:       b.RateLimit,
			FinalReportPath: b.FinalReport,
			IPColumns:       b.IPColumns,
		},
		Logging: config.Logging{Level: b.LogLevel, Format: b.LogFormat},
	}
	return layer(defaults, b.Config, o)
}
