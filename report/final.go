package report

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// Appendix is a text file copied verbatim under its own heading.
type Appendix struct {
	Title string
	Path  string
}

// FinalEvaluation relates the addresses a detector flagged to the addresses
// the blocking rules cover.
type FinalEvaluation struct {
	DetectedIPs int
	BlockedIPs  int
	// EffectiveBlocks counts blocked addresses that were also detected.
	EffectiveBlocks int
	Appendices      []Appendix
}

// NewFinalEvaluation counts the unique addresses of both lists and how many
// blocked ones were detected.
func NewFinalEvaluation(detected, blocked []string, appendices ...Appendix) *FinalEvaluation {
	det := make(map[string]struct{}, len(detected))
	for _, ip := range detected {
		det[ip] = struct{}{}
	}
	blk := make(map[string]struct{}, len(blocked))
	effective := 0
	for _, ip := range blocked {
		if _, dup := blk[ip]; dup {
			continue
		}
		blk[ip] = struct{}{}
		if _, ok := det[ip]; ok {
			effective++
		}
	}
	return &FinalEvaluation{
		DetectedIPs:     len(det),
		BlockedIPs:      len(blk),
		EffectiveBlocks: effective,
		Appendices:      appendices,
	}
}

// Effectiveness is the percentage of blocked addresses that were detected.
// It is 0 when nothing is blocked.
func (f *FinalEvaluation) Effectiveness() float64 {
	return errors.SafeDivide(float64(f.EffectiveBlocks)*100, float64(f.BlockedIPs))
}

// CollateralDamage is the percentage of blocked addresses that were not
// detected. It is 0 when nothing is blocked.
func (f *FinalEvaluation) CollateralDamage() float64 {
	return errors.SafeDivide(float64(f.BlockedIPs-f.EffectiveBlocks)*100, float64(f.BlockedIPs))
}

// WriteFinal writes the final evaluation block followed by every appendix.
// An appendix whose file cannot be read is replaced by a "File not found" line.
func WriteFinal(w io.Writer, f *FinalEvaluation) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "=== FINAL EVALUATION ===")
	fmt.Fprintf(bw, "Detected Attack IPs: %d\n", f.DetectedIPs)
	fmt.Fprintf(bw, "Blocked IPs: %d\n", f.BlockedIPs)
	fmt.Fprintf(bw, "Blocking Effectiveness: %.2f%%\n", f.Effectiveness())
	fmt.Fprintf(bw, "Collateral Damage: %.2f%%\n", f.CollateralDamage())
	for _, a := range f.Appendices {
		fmt.Fprintf(bw, "\n--- %s ---\n", a.Title)
		data, err := os.ReadFile(a.Path)
		if err != nil {
			fmt.Fprintf(bw, "File not found: %s\n", a.Path)
			continue
		}
		bw.Write(data)
	}
	return bw.Flush()
}

// WriteFinalFile writes the final evaluation to path atomically.
func WriteFinalFile(path string, f *FinalEvaluation) error {
	if err := model.WriteFileAtomic(path, func(w io.Writer) error {
		return WriteFinal(w, f)
	}); err != nil {
		return errors.Wrapf(err, "write final evaluation %s", path)
	}
	return nil
}

// DetectionSummary describes one detection run.
type DetectionSummary struct {
	Flows     int
	Flagged   int
	Heuristic int
	// HoldoutAccuracy is NaN when no row was held out.
	HoldoutAccuracy float64
	LatencySec      float64
}

// Throughput is flows per second, 0 when no time was measured.
func (d DetectionSummary) Throughput() float64 {
	return errors.SafeDivide(float64(d.Flows), d.LatencySec)
}

// WriteDetection writes the detection figures, one per line.
func WriteDetection(w io.Writer, d DetectionSummary) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Total Flows: %d\n", d.Flows)
	fmt.Fprintf(bw, "Flagged Flows: %d\n", d.Flagged)
	fmt.Fprintf(bw, "CUSUM Flagged Flows: %d\n", d.Heuristic)
	if math.IsNaN(d.HoldoutAccuracy) {
		fmt.Fprintln(bw, "Holdout Accuracy: n/a")
	} else {
		fmt.Fprintf(bw, "Holdout Accuracy: %.4f\n", d.HoldoutAccuracy)
	}
	fmt.Fprintf(bw, "Detection Latency (sec): %.4f\n", d.LatencySec)
	fmt.Fprintf(bw, "Estimated Throughput (flows/sec): %.2f\n", d.Throughput())
	return bw.Flush()
}

// WriteDetectionFile writes the detection figures to path atomically.
func WriteDetectionFile(path string, d DetectionSummary) error {
	if err := model.WriteFileAtomic(path, func(w io.Writer) error {
		return WriteDetection(w, d)
	}); err != nil {
		return errors.Wrapf(err, "write detection summary %s", path)
	}
	return nil
}
