package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/dataset"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/pkg/log"
	"github.com/YuminosukeSato/flowclf/report"
	"github.com/YuminosukeSato/flowclf/telemetry"
)

// Rule files written by Block, inside BlockConfig.RulesDir.
const (
	RTBHRulesFile      = "rtbh_rules.txt"
	RateLimitRulesFile = "rate_limit_rules.txt"

	rtbhTitle      = "=== RTBH Simulation Rules ==="
	rateLimitTitle = "=== Rate-Limiting / ACL Rules ==="
)

// DefaultIPColumns are the results-file columns whose addresses get blocked.
var DefaultIPColumns = []string{"source_ip", "dest_ip"}

// BlockConfig describes one blocking run over a detection results file.
type BlockConfig struct {
	ResultsPath string
	RulesDir    string
	// IPColumns default to DefaultIPColumns.
	IPColumns []string
	// RateLimit is appended to every ACL rule; empty means "5pps".
	RateLimit string
	ChunkRows int
}

// BlockResult summarizes a blocking run.
type BlockResult struct {
	FlaggedRows int
	// IPs are the unique addresses of flagged rows in first-seen order.
	IPs           []string
	RTBHPath      string
	RateLimitPath string
	Duration      time.Duration
}

// BlockOption configures Block.
type BlockOption func(*blocker)

// WithBlockLogger sets the logger used by Block.
func WithBlockLogger(l log.Logger) BlockOption {
	return func(b *blocker) { b.logger = l }
}

// WithBlockMetrics records the run in m.
func WithBlockMetrics(m *telemetry.Metrics) BlockOption {
	return func(b *blocker) { b.metrics = m }
}

type blocker struct {
	logger  log.Logger
	metrics *telemetry.Metrics
}

// Block reads the rows of a results file whose ml_flag is 1, collects their
// unique addresses and writes a blackhole rule file and a rate-limit rule
// file for them. Both files are replaced atomically.
func Block(ctx context.Context, cfg BlockConfig, opts ...BlockOption) (*BlockResult, error) {
	b := &blocker{}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.GetLoggerWithName("block")
	}
	b.logger = b.logger.With(log.PhaseKey, log.PhaseBlock)

	res, err := b.run(ctx, withBlockDefaults(cfg))
	if err != nil {
		return nil, errors.NewPhaseError(log.PhaseBlock, 0, err)
	}
	return res, nil
}

func withBlockDefaults(cfg BlockConfig) BlockConfig {
	if len(cfg.IPColumns) == 0 {
		cfg.IPColumns = DefaultIPColumns
	}
	if cfg.RateLimit == "" {
		cfg.RateLimit = "5pps"
	}
	if cfg.ChunkRows == 0 {
		cfg.ChunkRows = 100_000
	}
	return cfg
}

func (b *blocker) run(ctx context.Context, cfg BlockConfig) (*BlockResult, error) {
	if strings.TrimSpace(cfg.RulesDir) == "" {
		return nil, errors.NewValidationError("rules_dir", "must be set", cfg.RulesDir)
	}
	started := time.Now()

	flagged, ips, err := FlaggedIPs(ctx, cfg.ResultsPath, cfg.IPColumns, cfg.ChunkRows)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.RulesDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create rules directory %s", cfg.RulesDir)
	}

	res := &BlockResult{
		FlaggedRows:   flagged,
		IPs:           ips,
		RTBHPath:      filepath.Join(cfg.RulesDir, RTBHRulesFile),
		RateLimitPath: filepath.Join(cfg.RulesDir, RateLimitRulesFile),
	}
	if err := writeRules(res.RTBHPath, rtbhTitle, ips, func(ip string) string {
		return "BLACKHOLE " + ip
	}); err != nil {
		return nil, err
	}
	if err := writeRules(res.RateLimitPath, rateLimitTitle, ips, func(ip string) string {
		return "ACL_DENY " + ip + " " + cfg.RateLimit
	}); err != nil {
		return nil, err
	}
	res.Duration = time.Since(started)
	if b.metrics != nil {
		b.metrics.ObserveChunk(log.PhaseBlock, telemetry.OutcomeProcessed, started)
		b.metrics.AddSamples(log.PhaseBlock, flagged)
	}

	b.logger.Info("blocking rules written",
		"flagged", flagged,
		"ips", len(ips),
		log.PathKey, cfg.RulesDir,
		log.DurationMsKey, res.Duration.Milliseconds(),
	)
	return res, nil
}

// FlaggedIPs streams a detection results file and returns the number of rows
// with ml_flag 1 and the unique non-empty addresses of those rows, in the
// order they first appear.
func FlaggedIPs(ctx context.Context, path string, ipColumns []string, chunkRows int) (int, []string, error) {
	src, err := dataset.Open(path, chunkRows)
	if err != nil {
		return 0, nil, err
	}
	defer src.Close()

	header := src.Columns()
	flagIdx := indexOf(header, MLFlagColumn)
	if flagIdx < 0 {
		return 0, nil, errors.NewSchemaError(0, MLFlagColumn, "is missing")
	}
	ipIdx := make([]int, len(ipColumns))
	for i, c := range ipColumns {
		if ipIdx[i] = indexOf(header, c); ipIdx[i] < 0 {
			return 0, nil, errors.NewSchemaError(0, c, "is missing")
		}
	}

	seen := make(map[string]struct{})
	var ips []string
	flagged := 0
	for {
		batch, err := src.Next(ctx)
		if err == io.EOF {
			return flagged, ips, nil
		}
		if err != nil {
			return 0, nil, err
		}
		for _, row := range batch.Rows {
			if flagIdx >= len(row) || strings.TrimSpace(row[flagIdx]) != "1" {
				continue
			}
			flagged++
			for _, idx := range ipIdx {
				if idx >= len(row) {
					continue
				}
				ip := strings.TrimSpace(row[idx])
				if _, dup := seen[ip]; ip == "" || dup {
					continue
				}
				seen[ip] = struct{}{}
				ips = append(ips, ip)
			}
		}
	}
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func writeRules(path, title string, ips []string, rule func(ip string) string) error {
	err := model.WriteFileAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprintln(bw, title)
		for _, ip := range ips {
			fmt.Fprintln(bw, rule(ip))
		}
		return bw.Flush()
	})
	if err != nil {
		return errors.Wrapf(err, "write rules %s", path)
	}
	return nil
}

// BlockedIPs reads the addresses named by every rule file in dir, skipping
// each file's title line. A missing directory yields no addresses.
func BlockedIPs(dir string) ([]string, error) {
	seen := make(map[string]struct{})
	var ips []string
	for _, name := range []string{RTBHRulesFile, RateLimitRulesFile} {
		f, err := os.Open(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.NewReadError(filepath.Join(dir, name), "open", err)
		}
		sc := bufio.NewScanner(f)
		sc.Scan()
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) < 2 {
				continue
			}
			if _, dup := seen[fields[1]]; dup {
				continue
			}
			seen[fields[1]] = struct{}{}
			ips = append(ips, fields[1])
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, errors.NewReadError(filepath.Join(dir, name), "scan", err)
		}
	}
	return ips, nil
}

// FinalEvaluationConfig names the inputs of the final evaluation.
type FinalEvaluationConfig struct {
	ResultsPath string
	RulesDir    string
	IPColumns   []string
	ChunkRows   int
	// Appendices are report files appended after the blocking figures.
	Appendices []report.Appendix
}

// FinalEvaluation compares the addresses the detector flagged with the ones
// the rule files block.
func FinalEvaluation(ctx context.Context, cfg FinalEvaluationConfig) (*report.FinalEvaluation, error) {
	bc := withBlockDefaults(BlockConfig{IPColumns: cfg.IPColumns, ChunkRows: cfg.ChunkRows})
	_, detected, err := FlaggedIPs(ctx, cfg.ResultsPath, bc.IPColumns, bc.ChunkRows)
	if err != nil {
		return nil, errors.NewPhaseError(log.PhaseBlock, 0, err)
	}
	blocked, err := BlockedIPs(cfg.RulesDir)
	if err != nil {
		return nil, errors.NewPhaseError(log.PhaseBlock, 0, err)
	}
	return report.NewFinalEvaluation(detected, blocked, cfg.Appendices...), nil
}
