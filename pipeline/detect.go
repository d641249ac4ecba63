package pipeline

import (
	"context"
	"encoding/csv"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/dataset"
	"github.com/YuminosukeSato/flowclf/metrics"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/pkg/log"
	"github.com/YuminosukeSato/flowclf/preprocessing"
	"github.com/YuminosukeSato/flowclf/report"
	"github.com/YuminosukeSato/flowclf/sklearn/drift"
	"github.com/YuminosukeSato/flowclf/sklearn/ensemble"
	"github.com/YuminosukeSato/flowclf/telemetry"
)

// DefaultDetectFeatures are the packet and byte counters the detector uses
// when no feature list is configured.
var DefaultDetectFeatures = []string{
	"Total Fwd Packets", "Total Backward Packets", "Total Length of Fwd Packets",
	"Total Length of Bwd Packets", "Fwd Packet Length Max", "Fwd Packet Length Min",
	"Bwd Packet Length Max", "Bwd Packet Length Min", "Flow Bytes/s", "Flow Packets/s",
}

// DefaultIDColumns identify a flow in the results file.
var DefaultIDColumns = []string{"Source IP", "Destination IP"}

// DefaultTestFraction is the holdout share used when none is configured.
const DefaultTestFraction = 0.3

// MLFlagColumn is the results column holding the forest's verdict.
const MLFlagColumn = "ml_flag"

// BenignLabel is the label mapped to 0 by the detector; every other label is 1.
const BenignLabel = "BENIGN"

// DetectConfig describes one non-streaming detection run.
type DetectConfig struct {
	Input       string
	LabelColumn string
	Features    []string
	IDColumns   []string
	MaxAbs      float64
	// TestFraction is the share of rows held out to measure accuracy. Nil
	// means DefaultTestFraction; zero trains on every row.
	TestFraction *float64
	ResultsPath  string
	Params       ensemble.Params
	// HeuristicColumns, when set, are summed per row and run through a
	// windowed CUSUM; the results file then gains a cusum_flag column.
	HeuristicColumns []string
	// HeuristicWindow is the CUSUM window in rows; zero means 1000.
	HeuristicWindow int
	// SummaryPath, when set, receives the detection figures as text.
	SummaryPath string
	// ReadOptions are passed to dataset.ReadAll.
	ReadOptions []dataset.Option
}

// DetectResult summarizes a detection run.
type DetectResult struct {
	Rows        int
	TrainRows   int
	TestRows    int
	DroppedRows int
	Flagged     int
	// HeuristicFlagged counts rows in windows flagged by the CUSUM.
	HeuristicFlagged int
	// HoldoutAccuracy is NaN when no row was held out.
	HoldoutAccuracy float64
	ResultsPath     string
	Duration        time.Duration
}

// DetectOption configures Detect.
type DetectOption func(*detector)

// WithDetectLogger sets the logger used by Detect.
func WithDetectLogger(l log.Logger) DetectOption {
	return func(d *detector) { d.logger = l }
}

// WithDetectMetrics records the run in m.
func WithDetectMetrics(m *telemetry.Metrics) DetectOption {
	return func(d *detector) { d.metrics = m }
}

type detector struct {
	logger  log.Logger
	metrics *telemetry.Metrics
}

// Detect loads the whole input, maps labels to benign (0) or attack (1),
// trains a random forest on a seeded split, flags every row and writes one
// result line per row. Rows missing the label or an identifier are dropped.
func Detect(ctx context.Context, cfg DetectConfig, opts ...DetectOption) (*DetectResult, error) {
	d := &detector{}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.GetLoggerWithName("detect")
	}
	d.logger = d.logger.With(log.PhaseKey, log.PhaseDetect)

	res, err := d.run(ctx, withDetectDefaults(cfg))
	if err != nil {
		return nil, errors.NewPhaseError(log.PhaseDetect, 0, err)
	}
	return res, nil
}

func withDetectDefaults(cfg DetectConfig) DetectConfig {
	if cfg.LabelColumn == "" {
		cfg.LabelColumn = "Label"
	}
	if len(cfg.Features) == 0 {
		cfg.Features = DefaultDetectFeatures
	}
	if len(cfg.IDColumns) == 0 {
		cfg.IDColumns = DefaultIDColumns
	}
	if cfg.TestFraction == nil {
		f := DefaultTestFraction
		cfg.TestFraction = &f
	}
	return cfg
}

func (d *detector) run(ctx context.Context, cfg DetectConfig) (*DetectResult, error) {
	fraction := *cfg.TestFraction
	if fraction < 0 || fraction >= 1 {
		return nil, errors.NewValidationError("test_fraction", "must be in [0, 1)", fraction)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	batch, err := dataset.ReadAll(cfg.Input, cfg.ReadOptions...)
	if err != nil {
		return nil, err
	}
	kept, ids, dropped, err := completeRows(batch, cfg.LabelColumn, cfg.IDColumns)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.AddDropped(log.PhaseDetect, dropped)
	}

	norm := preprocessing.NewNormalizer(cfg.LabelColumn, cfg.Features, cfg.MaxAbs).Normalize(kept)
	switch norm.Outcome {
	case preprocessing.OutcomeSchemaError:
		d.observe(telemetry.OutcomeSchema, started)
		return nil, norm.Err
	case preprocessing.OutcomeEmpty:
		d.observe(telemetry.OutcomeEmpty, started)
		return nil, errors.ErrNoTrainableData
	}

	n := norm.Rows()
	y := make([]int, n)
	for i, label := range norm.Labels {
		y[i] = binaryLabel(label)
	}

	train, test := splitRows(n, fraction, cfg.Params.RandomState)
	if len(train) == 0 {
		return nil, errors.NewValueError("Detect", "too few rows to train: "+strconv.Itoa(n))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clf := ensemble.NewRandomForestClassifier(ensemble.WithParams(cfg.Params))
	if err := clf.Fit(selectRows(norm.X, train), model.IntsToColumn(pick(y, train))); err != nil {
		d.observe(telemetry.OutcomeFailed, started)
		return nil, err
	}
	out, err := clf.Predict(norm.X)
	if err != nil {
		return nil, err
	}
	pred := model.ColumnToInts(out)

	var heuristic []bool
	if len(cfg.HeuristicColumns) > 0 {
		if heuristic, err = cusumFlags(kept, cfg); err != nil {
			return nil, err
		}
	}

	res := &DetectResult{
		Rows:            n,
		TrainRows:       len(train),
		TestRows:        len(test),
		DroppedRows:     dropped,
		HoldoutAccuracy: math.NaN(),
		ResultsPath:     cfg.ResultsPath,
	}
	for _, p := range pred {
		res.Flagged += p
	}
	for _, h := range heuristic {
		if h {
			res.HeuristicFlagged++
		}
	}
	if len(test) > 0 {
		acc, err := metrics.Accuracy(pick(y, test), pick(pred, test))
		if err != nil {
			return nil, err
		}
		res.HoldoutAccuracy = acc
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.ResultsPath != "" {
		if err := writeResults(cfg.ResultsPath, cfg.IDColumns, ids, pred, heuristic); err != nil {
			return nil, err
		}
	}
	res.Duration = time.Since(started)
	if cfg.SummaryPath != "" {
		if err := writeSummary(cfg.SummaryPath, res); err != nil {
			return nil, err
		}
	}
	d.observe(telemetry.OutcomeProcessed, started)
	if d.metrics != nil {
		d.metrics.AddSamples(log.PhaseDetect, n)
	}

	d.logger.Info("detection finished",
		log.SamplesKey, n,
		log.DroppedRowsKey, dropped,
		"flagged", res.Flagged,
		"heuristic_flagged", res.HeuristicFlagged,
		"holdout", len(test),
		log.AccuracyKey, res.HoldoutAccuracy,
		log.PathKey, cfg.ResultsPath,
		log.DurationMsKey, res.Duration.Milliseconds(),
	)
	return res, nil
}

// completeRows keeps the rows whose label and identifier cells are all
// present and returns the identifiers aligned with the kept rows.
func completeRows(batch *dataset.RecordBatch, label string, idColumns []string) (*dataset.RecordBatch, [][]string, int, error) {
	required := make([]int, 0, len(idColumns)+1)
	for _, name := range append([]string{label}, idColumns...) {
		idx := batch.ColumnIndex(strings.TrimSpace(name))
		if idx < 0 {
			return nil, nil, 0, errors.NewSchemaError(batch.Index, name, "is missing")
		}
		required = append(required, idx)
	}

	kept := &dataset.RecordBatch{Index: batch.Index, Columns: batch.Columns}
	var ids [][]string
	dropped := 0
rows:
	for _, row := range batch.Rows {
		for _, idx := range required {
			if idx >= len(row) || strings.TrimSpace(row[idx]) == "" {
				dropped++
				continue rows
			}
		}
		id := make([]string, len(idColumns))
		for i, idx := range required[1:] {
			id[i] = strings.TrimSpace(row[idx])
		}
		kept.Rows = append(kept.Rows, row)
		ids = append(ids, id)
	}
	return kept, ids, dropped, nil
}

// cusumFlags sums the heuristic columns of every row and flags the rows of
// each CUSUM window that deviates from its own mean.
func cusumFlags(batch *dataset.RecordBatch, cfg DetectConfig) ([]bool, error) {
	var opts []drift.CUSUMOption
	if cfg.HeuristicWindow != 0 {
		opts = append(opts, drift.WithWindow(cfg.HeuristicWindow))
	}
	det := drift.NewCUSUM(opts...)
	if err := det.Validate(); err != nil {
		return nil, err
	}
	norm := preprocessing.NewNormalizer(cfg.LabelColumn, cfg.HeuristicColumns, cfg.MaxAbs).Normalize(batch)
	switch norm.Outcome {
	case preprocessing.OutcomeSchemaError:
		return nil, norm.Err
	case preprocessing.OutcomeEmpty:
		return nil, nil
	}
	values := make([]float64, norm.Rows())
	for i := range values {
		values[i] = floats.Sum(norm.X.RawRowView(i))
	}
	return det.FlagWindows(values), nil
}

func binaryLabel(label string) int {
	if strings.EqualFold(strings.TrimSpace(label), BenignLabel) {
		return 0
	}
	return 1
}

// splitRows shuffles 0..n-1 with a seeded generator and holds out
// ceil(fraction*n) rows. Both halves are returned in ascending order.
func splitRows(n int, fraction float64, seed uint64) (train, test []int) {
	perm := rand.New(rand.NewPCG(seed, ^seed)).Perm(n)
	nTest := int(math.Ceil(fraction * float64(n)))
	test = append([]int(nil), perm[:nTest]...)
	train = append([]int(nil), perm[nTest:]...)
	slices.Sort(test)
	slices.Sort(train)
	return train, test
}

func pick(values, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}

// selectRows copies the given rows of X into a new matrix.
func selectRows(X *mat.Dense, rows []int) *mat.Dense {
	_, c := X.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		out.SetRow(i, X.RawRowView(r))
	}
	return out
}

// resultHeader names the identifier columns of the results file, then
// ml_flag and, when the heuristic ran, cusum_flag.
func resultHeader(idColumns []string, heuristic bool) []string {
	header := make([]string, 0, len(idColumns)+1)
	for _, c := range idColumns {
		switch c = strings.TrimSpace(c); c {
		case "Source IP":
			header = append(header, "source_ip")
		case "Destination IP":
			header = append(header, "dest_ip")
		default:
			header = append(header, strings.ReplaceAll(strings.ToLower(c), " ", "_"))
		}
	}
	header = append(header, MLFlagColumn)
	if heuristic {
		header = append(header, "cusum_flag")
	}
	return header
}

func writeResults(path string, idColumns []string, ids [][]string, pred []int, heuristic []bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create results directory for %s", path)
	}
	err := model.WriteFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		header := resultHeader(idColumns, heuristic != nil)
		if err := cw.Write(header); err != nil {
			return err
		}
		record := make([]string, len(header))
		for i, id := range ids {
			copy(record, id)
			record[len(id)] = strconv.Itoa(pred[i])
			if heuristic != nil {
				record[len(id)+1] = "0"
				if heuristic[i] {
					record[len(id)+1] = "1"
				}
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return errors.Wrapf(err, "write results %s", path)
	}
	return nil
}

func writeSummary(path string, res *DetectResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", path)
	}
	return report.WriteDetectionFile(path, report.DetectionSummary{
		Flows:           res.Rows,
		Flagged:         res.Flagged,
		Heuristic:       res.HeuristicFlagged,
		HoldoutAccuracy: res.HoldoutAccuracy,
		LatencySec:      res.Duration.Seconds(),
	})
}

func (d *detector) observe(outcome string, started time.Time) {
	if d.metrics != nil {
		d.metrics.ObserveChunk(log.PhaseDetect, outcome, started)
	}
}
