package app

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"printrestore/internal/checkpoint"
	"printrestore/internal/progress"

	"github.com/dustin/go-humanize"
)

// DescribeCheckpoint writes a human-readable summary of cp. modTime is the
// checkpoint file's modification time, zero when unknown.
func DescribeCheckpoint(w io.Writer, cp *checkpoint.Checkpoint, modTime time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "File:\t%s\n", cp.FileName)
	if cp.Path != "" && cp.Path != cp.FileName {
		fmt.Fprintf(tw, "Path:\t%s\n", cp.Path)
	}
	if cp.FilePos != nil {
		fmt.Fprintf(tw, "Offset:\t%s (%s)\n", humanize.Comma(*cp.FilePos), progress.FormatBytes(*cp.FilePos))
	}
	fmt.Fprintf(tw, "Bed:\t%s°C\n", humanize.Ftoa(cp.BedTarget))
	fmt.Fprintf(tw, "Tool 0:\t%s°C\n", humanize.Ftoa(cp.Tool0Target))
	if cp.Tool1Target != nil {
		fmt.Fprintf(tw, "Tool 1:\t%s°C\n", humanize.Ftoa(*cp.Tool1Target))
	}
	fmt.Fprintf(tw, "Position:\t%s\n", formatPosition(cp.Position))
	if cp.Babystep != 0 {
		fmt.Fprintf(tw, "Babystep:\t%s mm\n", humanize.Ftoa(cp.Babystep))
	}
	if !modTime.IsZero() {
		fmt.Fprintf(tw, "Saved:\t%s\n", humanize.Time(modTime))
	}

	status := "restorable"
	if err := cp.Restorable(); err != nil {
		status = err.Error()
	}
	fmt.Fprintf(tw, "Status:\t%s\n", status)

	return tw.Flush()
}

var axisOrder = []string{
	checkpoint.AxisX, checkpoint.AxisY, checkpoint.AxisZ, checkpoint.AxisE,
	checkpoint.AxisF, checkpoint.AxisFan, checkpoint.AxisTool,
}

func formatPosition(p checkpoint.Position) string {
	if len(p) == 0 {
		return "-"
	}

	known := make(map[string]bool, len(axisOrder))
	parts := make([]string, 0, len(p))
	for _, k := range axisOrder {
		known[k] = true
		if v, ok := p[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}

	var extra []string
	for k, v := range p {
		if !known[k] {
			extra = append(extra, k+"="+v)
		}
	}
	sort.Strings(extra)

	return strings.Join(append(parts, extra...), " ")
}

// WriteHistory writes restore attempts as a table, newest first
func WriteHistory(w io.Writer, attempts []*checkpoint.Attempt) error {
	if len(attempts) == 0 {
		_, err := fmt.Fprintln(w, "No restore attempts recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tSTATUS\tFILE\tOFFSET\tREASON")
	for _, a := range attempts {
		file := a.FileName
		if file == "" {
			file = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(a.CreatedAt), a.Status, file, humanize.Comma(a.FilePos), a.Reason)
	}
	return tw.Flush()
}
