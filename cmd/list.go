package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/andresmejia3/pulse/internal/store"
	"github.com/andresmejia3/pulse/internal/utils"
	"github.com/spf13/cobra"
)

var listJobs bool

var listCmd = &cobra.Command{
	Use:         "list [measurement_id]",
	Short:       "List archived measurements (or jobs with --jobs), or show one measurement's samples",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{needsDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			runShow(cmd.Context(), args[0])
			return
		}
		runList(cmd.Context())
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJobs, "jobs", false, "List archived video jobs instead of measurements")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	if listJobs {
		jobs, err := DB.ListJobs(ctx)
		if err != nil {
			utils.Die("Failed to list jobs", err, nil)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found in database.")
			return
		}
		writeJobs(os.Stdout, jobs)
		return
	}

	measurements, err := DB.ListMeasurements(ctx)
	if err != nil {
		utils.Die("Failed to list measurements", err, nil)
	}
	if len(measurements) == 0 {
		fmt.Println("No measurements found in database.")
		return
	}
	writeMeasurements(os.Stdout, measurements)
}

func runShow(ctx context.Context, id string) {
	m, err := DB.GetMeasurement(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		utils.Die("Unknown measurement", fmt.Errorf("no archived measurement with id %s", id), nil)
	}
	if err != nil {
		utils.Die("Failed to load measurement", err, nil)
	}
	writeMeasurement(os.Stdout, m)
}

func writeMeasurement(out io.Writer, m registry.Measurement) {
	fmt.Fprintf(out, "ID:      %s\n", m.ID)
	fmt.Fprintf(out, "Name:    %s\n", m.Name)
	if m.Notes != "" {
		fmt.Fprintf(out, "Notes:   %s\n", m.Notes)
	}
	fmt.Fprintf(out, "Created: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"))
	if mean, sd, ok := summarize(m.Samples); ok {
		fmt.Fprintf(out, "BPM:     %.1f ± %.1f (%d samples)\n", mean, sd, len(m.Samples))
	} else {
		fmt.Fprintln(out, "BPM:     no samples")
		return
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tBPM\tCONFIDENCE")
	fmt.Fprintln(w, "----\t---\t----------")
	for _, smp := range m.Samples {
		fmt.Fprintf(w, "%s\t%.1f\t%.2f\n", smp.At.Local().Format("15:04:05"), smp.BPM, smp.Confidence)
	}
	w.Flush()
}

func writeMeasurements(out io.Writer, ms []store.MeasurementSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSAMPLES\tMEAN BPM\tCREATED")
	fmt.Fprintln(w, "--\t----\t-------\t--------\t-------")

	for _, m := range ms {
		mean := "--"
		if m.Samples > 0 {
			mean = fmt.Sprintf("%.1f", m.MeanBPM)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.Name, m.Samples, mean, m.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func writeJobs(out io.Writer, jobs []registry.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tFRAMES\tLAST BPM\tELAPSED\tSOURCE")
	fmt.Fprintln(w, "--\t-----\t------\t--------\t-------\t------")

	for _, j := range jobs {
		bpm := "--"
		if j.LastBPM > 0 {
			bpm = fmt.Sprintf("%.1f", j.LastBPM)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", j.ID, j.State, j.Frames, bpm, fmtTime(j.Elapsed), j.Source)
	}
	w.Flush()
}
