package results

import (
	"fmt"
	"io"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nasa-jpl/gearprecision/precision"
)

// Table renders one row per result
func Table(acc precision.Accumulator) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Index", "Position", "Angle (deg)", "Step Error (deg)", "Cumulative (deg)"})
	for i, s := range acc.Steps {
		t.AppendRow(table.Row{
			i + 1,
			s.Index,
			fmt.Sprintf("%.3f", s.Target),
			fmt.Sprintf("%.3f", s.Angle),
			fmt.Sprintf("%+.4f", s.StepError),
			fmt.Sprintf("%+.4f", acc.Cumulative[i]),
		})
	}
	return t.Render()
}

// SummaryTable renders a Summary as a two column table
func SummaryTable(sum precision.Summary) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"positions", sum.Count},
		{"max |step error|", fmt.Sprintf("%.4f deg", sum.MaxStepError)},
		{"mean |step error|", fmt.Sprintf("%.4f deg", sum.MeanStepError)},
		{"step error std dev", fmt.Sprintf("%.4f deg", sum.StdDevStepError)},
		{"max |cumulative error|", fmt.Sprintf("%.4f deg", sum.MaxCumulativeError)},
		{"final cumulative error", fmt.Sprintf("%+.4f deg", sum.FinalCumulativeError)},
		{fmt.Sprintf("steps over %.3f deg", sum.Threshold), sum.OverThreshold},
	})
	return t.Render()
}

// Histogram prints the distribution of step errors to w
func Histogram(w io.Writer, acc precision.Accumulator, bins int) error {
	errs := acc.StepErrors()
	if len(errs) == 0 {
		_, err := fmt.Fprintln(w, "no step errors to plot")
		return err
	}
	if bins < 1 {
		bins = 1
	}
	hist := histogram.Hist(bins, errs)
	return histogram.Fprint(w, hist, histogram.Linear(40))
}
