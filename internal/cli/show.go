package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"whale-alerts/internal/app"
	"whale-alerts/internal/tier"
)

var (
	showLimit  int
	showStream string
	showTier   string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the newest recorded whale events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return errors.New("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Stream: showStream,
		}
		if showTier != "" {
			t, err := tier.Parse(showTier)
			if err != nil {
				return err
			}
			opts.Tier = t
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "How many records to print, newest first")
	showCmd.Flags().StringVar(&showStream, "stream", "", "Only records of this stream (additions, withdrawals)")
	showCmd.Flags().StringVar(&showTier, "tier", "", "Only records of this tier (dolphin, whale, orc)")
}
