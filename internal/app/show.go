package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"
)

// Show prints recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tType\tLevel\tScore\tConfidence\tNotional USD\tKill Switch")

	for _, alert := range alerts {
		confidence := "-"
		if alert.Confidence != nil {
			confidence = strconv.FormatFloat(*alert.Confidence, 'f', 0, 64)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%.1f\t%s\t%s\t%t\n",
			alert.Bucket.UTC().Format(time.RFC3339),
			alert.Symbol,
			alert.SignalType,
			alert.Level,
			alert.Score,
			confidence,
			alert.NotionalUSD.StringFixed(0),
			alert.KillSwitch,
		)
	}

	writer.Flush()
	return nil
}
