package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"whale-alerts/internal/alerting"
	"whale-alerts/internal/storage"
	"whale-alerts/internal/tier"
)

// Show prints the most recently recorded events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	limit := opts.Limit
	if opts.Stream != "" || opts.Tier != tier.None {
		limit = 0
	}
	records, err := store.ListRecentRecords(ctx, limit)
	if err != nil {
		return err
	}
	return writeRecordsTable(os.Stdout, filterRecords(records, opts))
}

// filterRecords keeps the newest opts.Limit records matching the filters.
func filterRecords(records []storage.Record, opts ShowOptions) []storage.Record {
	out := records[:0:0]
	for _, rec := range records {
		if opts.Stream != "" && rec.Stream != opts.Stream {
			continue
		}
		if opts.Tier != tier.None && rec.Tier != opts.Tier.Label() {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out
}

func writeRecordsTable(out io.Writer, records []storage.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no records found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tStream\tType\tTier\tAmount\tPool\tTx")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.DateTime,
			rec.Stream,
			rec.Kind,
			rec.Tier,
			alerting.FormatUSD(rec.AmountUSD),
			sanitizeInline(rec.Token0+"/"+rec.Token1),
			rec.TxHash,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
