package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/artifact"
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

var columns = []string{" Flow Duration", " Fwd Packets", "Label"}

func smallForest() ensemble.Params {
	p := ensemble.DefaultParams()
	p.NEstimators = 5
	p.RandomState = 7
	return p
}

// flow returns a row whose two features both separate the label groups.
func flow(i int, label string) []string {
	group := 0
	switch label {
	case "ATTACK":
		group = 1
	case "PORTSCAN":
		group = 2
	}
	return []string{
		fmt.Sprint(group*100 + i%10),
		fmt.Sprint(group*50 + i%7),
		label,
	}
}

// flows alternates BENIGN and ATTACK rows.
func flows(n int) [][]string {
	rows := make([][]string, n)
	for i := range rows {
		label := "BENIGN"
		if i%2 == 1 {
			label = "ATTACK"
		}
		rows[i] = flow(i, label)
	}
	return rows
}

func memory(t *testing.T, rows [][]string, chunkRows int) *dataset.MemorySource {
	t.Helper()
	src, err := dataset.NewMemorySource(columns, rows, chunkRows)
	require.NoError(t, err)
	return src
}

func newTrainer(t *testing.T, cfg TrainerConfig, opts ...TrainerOption) (*Trainer, *log.TestLogger) {
	t.Helper()
	if cfg.LabelColumn == "" {
		cfg.LabelColumn = "Label"
	}
	if cfg.Params.NEstimators == 0 {
		cfg.Params = smallForest()
	}
	logger, _ := log.NewTestLogger(log.LevelDebug)
	tr, err := NewTrainer(cfg, append([]TrainerOption{WithTrainerLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return tr, logger
}

func newEvaluator(avg metrics.Average) (*Evaluator, *log.TestLogger) {
	logger, _ := log.NewTestLogger(log.LevelDebug)
	return NewEvaluator(EvaluatorConfig{LabelColumn: "Label", Average: avg}, WithEvaluatorLogger(logger)), logger
}

func requirePhaseError(t *testing.T, err error, phase string, cause error) {
	t.Helper()
	require.Error(t, err)
	var pe *errors.PhaseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, phase, pe.Phase)
	assert.True(t, errors.Is(err, cause), "got %v", err)
}

func TestTrainStreamChunks(t *testing.T) {
	m := telemetry.New()
	tr, logger := newTrainer(t, TrainerConfig{}, WithTrainerMetrics(m))
	cb := preprocessing.NewCodebook()

	src := memory(t, flows(2500), 1000)
	res, err := tr.TrainStream(context.Background(), src, cb)
	require.NoError(t, err)
	assert.True(t, src.Closed())

	assert.Equal(t, 2500, res.TrainedSamples)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 0, res.SkippedChunks)
	assert.Equal(t, 3, res.Model.Members())
	assert.Equal(t, []string{"Flow Duration", "Fwd Packets"}, res.Features)
	assert.Equal(t, []string{"BENIGN", "ATTACK"}, cb.CodesToLabels())
	assert.Nil(t, res.Bundle)

	assert.Equal(t, 3, logger.CountMessages("chunk trained"))
	assert.True(t, logger.ContainsField(log.TotalSamplesKey, 2500.0))
	assert.Equal(t, 2500.0, testutil.ToFloat64(m.Samples.WithLabelValues(log.PhaseTrain)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Chunks.WithLabelValues(log.PhaseTrain, telemetry.OutcomeProcessed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Members))

	ev, _ := newEvaluator(metrics.Macro)
	s, err := ev.EvaluateStream(context.Background(), memory(t, flows(2500), 1000), res.Model, cb, preprocessing.Growable)
	require.NoError(t, err)
	assert.Equal(t, 2500, s.Samples)
	assert.Equal(t, 1.0, s.Accuracy)
	assert.Equal(t, 1.0, s.F1)
	assert.Equal(t, []int{0, 1}, s.Labels)
	assert.Equal(t, []string{"BENIGN", "ATTACK"}, s.Names)
	assert.True(t, mat.Equal(mat.NewDense(2, 2, []float64{1250, 0, 0, 1250}), s.Confusion))
	assert.Greater(t, s.LatencyMs, 0.0)
}

func TestTrainStreamConservesSamples(t *testing.T) {
	rows := flows(300)
	for i := 0; i < 300; i += 15 {
		rows[i][2] = " "
	}
	m := telemetry.New()
	tr, _ := newTrainer(t, TrainerConfig{}, WithTrainerMetrics(m))
	res, err := tr.TrainStream(context.Background(), memory(t, rows, 100), preprocessing.NewCodebook())
	require.NoError(t, err)

	assert.Equal(t, 20, res.DroppedRows)
	assert.Equal(t, 300, res.TrainedSamples+res.DroppedRows)
	assert.Equal(t, 20.0, testutil.ToFloat64(m.DroppedRows.WithLabelValues(log.PhaseTrain)))
}

func TestTrainStreamSkipsMismatchedLabelColumn(t *testing.T) {
	src, err := dataset.NewMemorySource([]string{"Flow Duration", "Fwd Packets", "Class"}, flows(300), 100)
	require.NoError(t, err)

	tr, logger := newTrainer(t, TrainerConfig{})
	cb := preprocessing.NewCodebook()
	res, err := tr.TrainStream(context.Background(), src, cb)
	assert.Nil(t, res)
	requirePhaseError(t, err, log.PhaseTrain, errors.ErrNoTrainableData)
	assert.Equal(t, 0, cb.Len())
	assert.Equal(t, 3, logger.CountMessages("chunk skipped"))
	assert.True(t, logger.ContainsField(log.ReasonKey, log.ReasonSchema))
}

func TestTrainStreamNothingToTrain(t *testing.T) {
	blank := flows(50)
	for _, row := range blank {
		row[2] = ""
	}
	tests := []struct {
		name string
		rows [][]string
	}{
		{"header only", nil},
		{"all labels missing", blank},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.flowclf")
			tr, logger := newTrainer(t, TrainerConfig{ArtifactPath: path})
			_, err := tr.TrainStream(context.Background(), memory(t, tt.rows, 20), preprocessing.NewCodebook())
			requirePhaseError(t, err, log.PhaseTrain, errors.ErrNoTrainableData)
			assert.Equal(t, 0, logger.CountMessages("chunk failed"))
			assert.NoFileExists(t, path)

			ev, _ := newEvaluator(metrics.Weighted)
			_, err = ev.EvaluateStream(context.Background(), memory(t, tt.rows, 20), tr.Model(), preprocessing.NewCodebook(), preprocessing.Frozen)
			requirePhaseError(t, err, log.PhaseEvaluate, errors.ErrNoEvaluableData)
		})
	}
}

func TestTrainStreamRowsWithoutLabelField(t *testing.T) {
	input := filepath.Join(t.TempDir(), "short.csv")
	require.NoError(t, os.WriteFile(input, []byte("a,b,Label\n1,2\n3,4\n"), 0o644))
	open := func() dataset.Source {
		src, err := dataset.Open(input, 10)
		require.NoError(t, err)
		return src
	}

	tr, logger := newTrainer(t, TrainerConfig{})
	_, err := tr.TrainStream(context.Background(), open(), preprocessing.NewCodebook())
	requirePhaseError(t, err, log.PhaseTrain, errors.ErrNoTrainableData)
	assert.Equal(t, 0, logger.CountMessages("chunk failed"))

	ev, _ := newEvaluator(metrics.Weighted)
	_, err = ev.EvaluateStream(context.Background(), open(), tr.Model(), preprocessing.NewCodebook(), preprocessing.Growable)
	requirePhaseError(t, err, log.PhaseEvaluate, errors.ErrNoEvaluableData)
}

func TestTrainStreamPinsFeatureSchema(t *testing.T) {
	first := &dataset.RecordBatch{Columns: columns, Rows: flows(100)}
	renamed := &dataset.RecordBatch{Columns: []string{"Duration", "Fwd Packets", "Label"}, Rows: flows(100)}
	third := &dataset.RecordBatch{Columns: columns, Rows: flows(60)}

	tr, logger := newTrainer(t, TrainerConfig{})
	res, err := tr.TrainStream(context.Background(), dataset.NewBatches(first, renamed, third), preprocessing.NewCodebook())
	require.NoError(t, err)
	assert.Equal(t, 160, res.TrainedSamples)
	assert.Equal(t, 1, res.SkippedChunks)
	assert.True(t, logger.ContainsField(log.ChunkKey, 2.0))
}

func TestTrainStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, _ := newTrainer(t, TrainerConfig{})
	src := memory(t, flows(100), 10)
	_, err := tr.TrainStream(ctx, src, preprocessing.NewCodebook())
	requirePhaseError(t, err, log.PhaseTrain, context.Canceled)
	assert.True(t, src.Closed())
}

func TestTrainStreamSavesArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.flowclf")
	tr, _ := newTrainer(t, TrainerConfig{ArtifactPath: path, MaxAbs: 1e6})
	cb := preprocessing.NewCodebook()
	res, err := tr.TrainStream(context.Background(), memory(t, flows(400), 150), cb)
	require.NoError(t, err)
	require.NotNil(t, res.Bundle)

	b, err := artifact.Load(path)
	require.NoError(t, err)
	assert.Equal(t, res.Bundle.RunID, b.RunID)
	assert.Equal(t, res.Features, b.Features)
	assert.Equal(t, "Label", b.LabelColumn)
	assert.Equal(t, 400, b.TrainedSamples)
	assert.Equal(t, cb.CodesToLabels(), b.Codebook.CodesToLabels())
	assert.Equal(t, 3, b.Model.Members())

	ev, _ := newEvaluator(metrics.Weighted)
	s, err := ev.EvaluateStream(context.Background(), memory(t, flows(400), 150), b.Model, b.Codebook, preprocessing.Frozen)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Accuracy)
}

func TestTrainStreamWarnsOnDrift(t *testing.T) {
	var (
		mu       sync.Mutex
		warnings []error
	)
	errors.SetWarningHandler(func(w error) {
		mu.Lock()
		defer mu.Unlock()
		warnings = append(warnings, w)
	})
	t.Cleanup(func() { errors.SetWarningHandler(func(error) {}) })

	// the second chunk agrees with the first for 100 rows, then flips every label
	second := flows(200)
	for _, row := range second[100:] {
		if row[2] == "BENIGN" {
			row[2] = "ATTACK"
		} else {
			row[2] = "BENIGN"
		}
	}
	rows := append(flows(200), second...)

	m := telemetry.New()
	tr, _ := newTrainer(t, TrainerConfig{}, WithDriftDetector(drift.NewDDM()), WithTrainerMetrics(m))
	res, err := tr.TrainStream(context.Background(), memory(t, rows, 200), preprocessing.NewCodebook())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Drifts)
	assert.Equal(t, 400, res.TrainedSamples, "drift never blocks an update")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Drifts))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, warnings, 1)
	var dw *errors.ModelDriftWarning
	require.True(t, errors.As(warnings[0], &dw))
	assert.Equal(t, 2, dw.Chunk)
}

func TestEvaluateStreamFrozen(t *testing.T) {
	tr, _ := newTrainer(t, TrainerConfig{})
	cb := preprocessing.NewCodebook()
	res, err := tr.TrainStream(context.Background(), memory(t, flows(400), 200), cb)
	require.NoError(t, err)

	eval := flows(200)
	for i := 0; i < 50; i++ {
		eval = append(eval, flow(i, "PORTSCAN"))
	}

	m := telemetry.New()
	logger, _ := log.NewTestLogger(log.LevelDebug)
	ev := NewEvaluator(EvaluatorConfig{LabelColumn: "Label", Average: metrics.Weighted},
		WithEvaluatorLogger(logger), WithEvaluatorMetrics(m))

	run := func() *report.Summary {
		s, err := ev.EvaluateStream(context.Background(), memory(t, eval, 100), res.Model, cb, preprocessing.Frozen)
		require.NoError(t, err)
		return s
	}
	first := run()
	assert.Equal(t, 200, first.Samples)
	assert.Equal(t, 50, first.UnknownLabels)
	assert.Equal(t, 1.0, first.Accuracy)
	assert.Equal(t, []string{"BENIGN", "ATTACK"}, cb.CodesToLabels(), "frozen evaluation never grows the codebook")
	assert.Equal(t, 50.0, testutil.ToFloat64(m.UnknownLabels))

	second := run()
	assert.Equal(t, first.Samples, second.Samples)
	assert.Equal(t, first.UnknownLabels, second.UnknownLabels)
	assert.Equal(t, first.Accuracy, second.Accuracy)
	assert.True(t, mat.Equal(first.Confusion, second.Confusion))
	assert.Equal(t, 2, cb.Len())
}

func TestEvaluateStreamGrowable(t *testing.T) {
	tr, _ := newTrainer(t, TrainerConfig{})
	cb := preprocessing.NewCodebook()
	res, err := tr.TrainStream(context.Background(), memory(t, flows(400), 200), cb)
	require.NoError(t, err)

	eval := flows(200)
	for i := 0; i < 50; i++ {
		eval = append(eval, flow(i, "PORTSCAN"))
	}
	ev, _ := newEvaluator(metrics.Macro)
	s, err := ev.EvaluateStream(context.Background(), memory(t, eval, 100), res.Model, cb, preprocessing.Growable)
	require.NoError(t, err)

	assert.Equal(t, 250, s.Samples)
	assert.Equal(t, 0, s.UnknownLabels)
	assert.InDelta(t, 0.8, s.Accuracy, 1e-12)
	assert.Equal(t, []int{0, 1, 2}, s.Labels)
	assert.Equal(t, "PORTSCAN", s.Names[2])
	assert.Equal(t, 3, cb.Len())
}

type panicky struct {
	inner interface {
		Predict(mat.Matrix) (mat.Matrix, error)
	}
	calls int
}

func (p *panicky) Predict(X mat.Matrix) (mat.Matrix, error) {
	p.calls++
	if p.calls == 2 {
		panic("corrupted member")
	}
	return p.inner.Predict(X)
}

func TestEvaluateStreamSkipsFailedChunk(t *testing.T) {
	tr, _ := newTrainer(t, TrainerConfig{})
	cb := preprocessing.NewCodebook()
	res, err := tr.TrainStream(context.Background(), memory(t, flows(300), 300), cb)
	require.NoError(t, err)

	ev, logger := newEvaluator(metrics.Macro)
	s, err := ev.EvaluateStream(context.Background(), memory(t, flows(300), 100), &panicky{inner: res.Model}, cb, preprocessing.Frozen)
	require.NoError(t, err)
	assert.Equal(t, 200, s.Samples)
	assert.Equal(t, 1, s.SkippedChunks)
	assert.Equal(t, 1, logger.CountMessages("chunk failed"))

	var out strings.Builder
	require.NoError(t, report.WriteText(&out, s))
	assert.Contains(t, out.String(), "Skipped chunks: 1")
}

func TestDetect(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Source IP, Destination IP, Flow Duration, Fwd Packets, Label\n")
	for i, row := range flows(100) {
		src := fmt.Sprintf("10.0.0.%d", i)
		if i == 5 {
			src = ""
		}
		fmt.Fprintf(&sb, "%s,192.168.1.1,%s,%s,%s\n", src, row[0], row[1], row[2])
	}
	dir := t.TempDir()
	input := filepath.Join(dir, "clean.csv")
	require.NoError(t, os.WriteFile(input, []byte(sb.String()), 0o644))

	results := filepath.Join(dir, "results", "ml_result.csv")
	m := telemetry.New()
	res, err := Detect(context.Background(), DetectConfig{
		Input:       input,
		Features:    []string{"Flow Duration", "Fwd Packets"},
		ResultsPath: results,
		Params:      smallForest(),
	}, WithDetectMetrics(m))
	require.NoError(t, err)

	assert.Equal(t, 99, res.Rows)
	assert.Equal(t, 1, res.DroppedRows)
	assert.Equal(t, 30, res.TestRows)
	assert.Equal(t, 69, res.TrainRows)
	assert.Equal(t, 1.0, res.HoldoutAccuracy)
	assert.Equal(t, 49, res.Flagged)

	data, err := os.ReadFile(results)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 100)
	assert.Equal(t, "source_ip,dest_ip,ml_flag", lines[0])
	assert.Equal(t, "10.0.0.0,192.168.1.1,0", lines[1])
	assert.Equal(t, "10.0.0.1,192.168.1.1,1", lines[2])
	assert.Equal(t, 99.0, testutil.ToFloat64(m.Samples.WithLabelValues(log.PhaseDetect)))
}

func TestDetectWithoutHoldout(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Source IP,Destination IP,Flow Duration,Fwd Packets,Label\n")
	for i, row := range flows(40) {
		fmt.Fprintf(&sb, "10.0.0.%d,192.168.1.1,%s,%s,%s\n", i, row[0], row[1], row[2])
	}
	input := filepath.Join(t.TempDir(), "clean.csv")
	require.NoError(t, os.WriteFile(input, []byte(sb.String()), 0o644))

	dir := filepath.Dir(input)
	results := filepath.Join(dir, "ml_result.csv")
	summary := filepath.Join(dir, "detection_metrics.txt")
	none := 0.0
	res, err := Detect(context.Background(), DetectConfig{
		Input:            input,
		Features:         []string{"Flow Duration", "Fwd Packets"},
		TestFraction:     &none,
		Params:           smallForest(),
		ResultsPath:      results,
		SummaryPath:      summary,
		HeuristicColumns: []string{"Flow Duration"},
		HeuristicWindow:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, 40, res.TrainRows)
	assert.Zero(t, res.TestRows)
	assert.True(t, math.IsNaN(res.HoldoutAccuracy))
	// every window alternates 0..9 and 100..109, far from its own mean
	assert.Equal(t, 40, res.HeuristicFlagged)

	data, err := os.ReadFile(results)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "source_ip,dest_ip,ml_flag,cusum_flag\n10.0.0.0,192.168.1.1,0,1\n"))

	data, err = os.ReadFile(summary)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Total Flows: 40\n")
	assert.Contains(t, string(data), "CUSUM Flagged Flows: 40\n")
	assert.Contains(t, string(data), "Holdout Accuracy: n/a\n")
}

func writeResultsCSV(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "ml_result.csv")
	body := "source_ip,dest_ip,ml_flag\n" +
		"10.0.0.1,10.0.1.1,1\n" +
		"10.0.0.2,10.0.1.1,0\n" +
		"10.0.0.3,10.0.1.1,1\n" +
		"10.0.0.1,10.0.1.2,1\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBlock(t *testing.T) {
	dir := t.TempDir()
	results := writeResultsCSV(t, dir)
	rules := filepath.Join(dir, "blocking")

	m := telemetry.New()
	res, err := Block(context.Background(), BlockConfig{ResultsPath: results, RulesDir: rules, ChunkRows: 2}, WithBlockMetrics(m))
	require.NoError(t, err)
	assert.Equal(t, 3, res.FlaggedRows)
	assert.Equal(t, []string{"10.0.0.1", "10.0.1.1", "10.0.0.3", "10.0.1.2"}, res.IPs)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Samples.WithLabelValues(log.PhaseBlock)))

	rtbh, err := os.ReadFile(res.RTBHPath)
	require.NoError(t, err)
	assert.Equal(t, "=== RTBH Simulation Rules ===\n"+
		"BLACKHOLE 10.0.0.1\nBLACKHOLE 10.0.1.1\nBLACKHOLE 10.0.0.3\nBLACKHOLE 10.0.1.2\n", string(rtbh))

	acl, err := os.ReadFile(res.RateLimitPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(acl), "=== Rate-Limiting / ACL Rules ===\nACL_DENY 10.0.0.1 5pps\n"))

	blocked, err := BlockedIPs(rules)
	require.NoError(t, err)
	assert.Equal(t, res.IPs, blocked)
}

func TestBlockErrors(t *testing.T) {
	dir := t.TempDir()
	noFlag := filepath.Join(dir, "plain.csv")
	require.NoError(t, os.WriteFile(noFlag, []byte("source_ip,dest_ip\n1.1.1.1,2.2.2.2\n"), 0o644))

	_, err := Block(context.Background(), BlockConfig{ResultsPath: noFlag, RulesDir: dir})
	var se *errors.SchemaError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, MLFlagColumn, se.Column)

	_, err = Block(context.Background(), BlockConfig{ResultsPath: writeResultsCSV(t, dir)})
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = Block(context.Background(), BlockConfig{ResultsPath: filepath.Join(dir, "missing.csv"), RulesDir: dir})
	var re *errors.ReadError
	assert.True(t, errors.As(err, &re))
}

func TestFinalEvaluation(t *testing.T) {
	dir := t.TempDir()
	results := writeResultsCSV(t, dir)
	rules := filepath.Join(dir, "blocking")
	_, err := Block(context.Background(), BlockConfig{ResultsPath: results, RulesDir: rules})
	require.NoError(t, err)

	// one rule for an address the detector never flagged
	f, err := os.OpenFile(filepath.Join(rules, RTBHRulesFile), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("BLACKHOLE 192.0.2.9\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	modelReport := filepath.Join(dir, "model_evaluation.txt")
	require.NoError(t, os.WriteFile(modelReport, []byte("Accuracy: 0.9900\n"), 0o644))

	fe, err := FinalEvaluation(context.Background(), FinalEvaluationConfig{
		ResultsPath: results,
		RulesDir:    rules,
		Appendices: []report.Appendix{
			{Title: "Detection Evaluation", Path: filepath.Join(dir, "absent.txt")},
			{Title: "ML Model Evaluation", Path: modelReport},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, fe.DetectedIPs)
	assert.Equal(t, 5, fe.BlockedIPs)
	assert.Equal(t, 4, fe.EffectiveBlocks)

	var out strings.Builder
	require.NoError(t, report.WriteFinal(&out, fe))
	assert.Contains(t, out.String(), "Blocking Effectiveness: 80.00%\nCollateral Damage: 20.00%\n")
	assert.Contains(t, out.String(), "--- Detection Evaluation ---\nFile not found: ")
	assert.Contains(t, out.String(), "--- ML Model Evaluation ---\nAccuracy: 0.9900\n")
}

func TestDetectErrors(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "clean.csv")
	require.NoError(t, os.WriteFile(input, []byte("Source IP,Label\n1.1.1.1,BENIGN\n"), 0o644))

	_, err := Detect(context.Background(), DetectConfig{Input: input, Params: smallForest()})
	var se *errors.SchemaError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "Destination IP", se.Column)

	_, err = Detect(context.Background(), DetectConfig{Input: filepath.Join(dir, "missing.csv"), Params: smallForest()})
	var re *errors.ReadError
	assert.True(t, errors.As(err, &re))

	tooMany := 1.5
	_, err = Detect(context.Background(), DetectConfig{Input: input, TestFraction: &tooMany, Params: smallForest()})
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestSplitRows(t *testing.T) {
	train, test := splitRows(10, 0.3, 42)
	assert.Len(t, test, 3)
	assert.Len(t, train, 7)
	assert.IsIncreasing(t, train)
	assert.IsIncreasing(t, test)

	again, _ := splitRows(10, 0.3, 42)
	assert.Equal(t, train, again)

	all, none := splitRows(4, 0, 1)
	assert.Equal(t, []int{0, 1, 2, 3}, all)
	assert.Empty(t, none)
}

func TestResultHeader(t *testing.T) {
	assert.Equal(t, []string{"source_ip", "dest_ip", "ml_flag"}, resultHeader(DefaultIDColumns, false))
	assert.Equal(t, []string{"flow_id", "ml_flag"}, resultHeader([]string{" Flow ID"}, false))
	assert.Equal(t, []string{"source_ip", "dest_ip", "ml_flag", "cusum_flag"}, resultHeader(DefaultIDColumns, true))
}
