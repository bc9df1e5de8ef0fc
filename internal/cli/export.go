package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"whale-alerts/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump recorded events to CSV and/or plot them as a PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		var err error
		if opts.From, err = parseTimeFlag("from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", exportTo); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 or unix seconds, the unit event timestamps use.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or unix seconds", name, value)
	}
	return &t, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start, RFC3339 or unix seconds (default 30 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end, exclusive, RFC3339 or unix seconds (default now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Write a scatter chart of USD size per stream to this file")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write the records to this CSV file")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Downsample to at most this many records (default export.max_data_points)")
}
