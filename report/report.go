// Package report renders evaluation results for people: a fixed-order text
// summary for the console and the report file, and a confusion-matrix heatmap.
package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/metrics"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// Summary is the outcome of one evaluation pass.
type Summary struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
	Average   metrics.Average

	// LatencyMs is wall-clock time of the whole pass divided by the number
	// of evaluated samples. It is amortized and includes reading and
	// preprocessing, so it is not pure inference latency.
	LatencyMs float64

	Samples       int
	UnknownLabels int
	SkippedChunks int

	// Labels are the codes indexing Confusion rows and columns, ascending.
	Labels    []int
	Names     []string
	Confusion *mat.Dense
}

// WriteText writes the summary block. The order of the lines is fixed.
func WriteText(w io.Writer, s *Summary) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "=== MODEL EVALUATION SUMMARY ===")
	fmt.Fprintf(bw, "Accuracy: %.4f\n", s.Accuracy)
	fmt.Fprintf(bw, "Precision: %.4f\n", s.Precision)
	fmt.Fprintf(bw, "Recall: %.4f\n", s.Recall)
	fmt.Fprintf(bw, "F1-score: %.4f\n", s.F1)
	fmt.Fprintf(bw, "Average latency per prediction: %.6f ms (amortized over the whole pass)\n", s.LatencyMs)
	fmt.Fprintf(bw, "Total evaluated samples: %d\n", s.Samples)
	fmt.Fprintf(bw, "Unknown-label rows dropped: %d\n", s.UnknownLabels)
	fmt.Fprintf(bw, "Skipped chunks: %d\n", s.SkippedChunks)
	fmt.Fprintf(bw, "Averaging: %s\n", s.Average)
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "=== CONFUSION MATRIX ===")
	fmt.Fprintln(bw, FormatGrid(s.Confusion))
	if len(s.Names) > 0 {
		fmt.Fprintln(bw)
		fmt.Fprintln(bw, "=== LABELS ===")
		for i, code := range s.Labels {
			fmt.Fprintf(bw, "%d: %s\n", code, s.name(i))
		}
	}
	return bw.Flush()
}

func (s *Summary) name(i int) string {
	if i < len(s.Names) && s.Names[i] != "" {
		return s.Names[i]
	}
	return strconv.Itoa(s.Labels[i])
}

// FormatGrid renders an integer matrix the way numpy prints one: brackets
// around every row and each cell right-aligned to the widest value.
func FormatGrid(m *mat.Dense) string {
	if m == nil {
		return "[]"
	}
	r, c := m.Dims()
	cells := make([][]string, r)
	width := 1
	for i := 0; i < r; i++ {
		cells[i] = make([]string, c)
		for j := 0; j < c; j++ {
			cells[i][j] = strconv.FormatInt(int64(m.At(i, j)), 10)
			width = max(width, len(cells[i][j]))
		}
	}

	var b strings.Builder
	b.WriteByte('[')
	for i, row := range cells {
		if i > 0 {
			b.WriteString("\n ")
		}
		b.WriteByte('[')
		for j, cell := range row {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strings.Repeat(" ", width-len(cell)))
			b.WriteString(cell)
		}
		b.WriteByte(']')
	}
	b.WriteByte(']')
	return b.String()
}

// WriteFile writes the summary to path. A reader sees either the previous
// report or the complete new one.
func WriteFile(path string, s *Summary) error {
	if err := model.WriteFileAtomic(path, func(w io.Writer) error {
		return WriteText(w, s)
	}); err != nil {
		return errors.Wrapf(err, "write report %s", path)
	}
	return nil
}
