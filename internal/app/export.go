package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"whale-alerts/internal/alerting"
	"whale-alerts/internal/storage"
	"whale-alerts/internal/tier"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders recorded events as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListRecordsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		classifier, err := a.newClassifier()
		if err != nil {
			return err
		}
		if len(downsampled) < 2 {
			a.Logger.Warn().Msg("need at least two records to draw a chart; skipping png")
			return nil
		}
		if err := writeRecordsPNG(opts.PNGPath, downsampled, classifier); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.Record, max int) []storage.Record {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.Record, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []storage.Record) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "datetime", "stream", "event_type", "tier", "amount_usd", "token0", "token1", "pool_id", "tx_hash", "block_number"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.Timestamp, 10),
			rec.DateTime,
			rec.Stream,
			rec.Kind,
			rec.Tier,
			rec.AmountUSD.StringFixed(2),
			rec.Token0,
			rec.Token1,
			rec.PoolID,
			rec.TxHash,
			strconv.FormatInt(rec.BlockNumber, 10),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeRecordsPNG plots one scatter series per stream with the tier
// thresholds drawn as dashed reference lines.
func writeRecordsPNG(path string, records []storage.Record, classifier *tier.Classifier) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var order []string
	byStream := make(map[string]*chart.TimeSeries)
	for _, rec := range records {
		series, ok := byStream[rec.Stream]
		if !ok {
			series = &chart.TimeSeries{
				Name: rec.Stream,
				Style: chart.Style{
					StrokeWidth: chart.Disabled,
					DotWidth:    4,
				},
			}
			byStream[rec.Stream] = series
			order = append(order, rec.Stream)
		}
		series.XValues = append(series.XValues, rec.EventTime())
		series.YValues = append(series.YValues, rec.AmountUSD.InexactFloat64())
	}

	seriesList := make([]chart.Series, 0, len(order)+len(tier.All))
	for _, name := range order {
		seriesList = append(seriesList, *byStream[name])
	}

	span := []time.Time{records[0].EventTime(), records[len(records)-1].EventTime()}
	for _, t := range tier.All {
		threshold := classifier.Threshold(t).InexactFloat64()
		seriesList = append(seriesList, chart.TimeSeries{
			Name:    t.Label(),
			XValues: span,
			YValues: []float64{threshold, threshold},
			Style: chart.Style{
				StrokeWidth:     1,
				StrokeDashArray: []float64{5, 5},
			},
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Amount (USD)",
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return alerting.FormatUSD(decimal.NewFromFloat(f))
				}
				return ""
			},
		},
		Series: seriesList,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
