package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/sorrel/pkg/ratesaudit"
)

type ratesOptions struct {
	days     int
	fix      bool
	url      string
	tenant   string
	keep     int
	progress bool
}

func newRatesCmd() *cobra.Command {
	opts := ratesOptions{}
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Compare cached exchange rates with the source, optionally repairing them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRates(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.days, "days", 30, "days to audit, counting back from today")
	flags.BoolVar(&opts.fix, "fix", false, "overwrite mismatched and missing rates with the source values")
	flags.StringVar(&opts.url, "url", envOr("SORREL_URL", "http://localhost:3000"), "sorrel API base URL")
	flags.StringVar(&opts.tenant, "tenant", os.Getenv("SORREL_TENANT_ID"), "tenant id sent as X-Tenant-ID")
	flags.IntVar(&opts.keep, "keep", 20, "number of most recent mismatches to print")
	flags.BoolVar(&opts.progress, "progress", true, "print progress while streaming")
	return cmd
}

func runRates(cmd *cobra.Command, opts ratesOptions) error {
	if opts.days < 1 {
		return fmt.Errorf("--days must be at least 1")
	}
	if opts.keep < 1 {
		opts.keep = 1
	}

	out := cmd.OutOrStdout()
	client := &ratesaudit.StreamClient{BaseURL: opts.url, TenantID: opts.tenant, HTTP: http.DefaultClient}
	collector := ratesaudit.NewCollector(opts.keep)

	err := client.Audit(cmd.Context(), ratesaudit.AuditRequest{Days: opts.days, Fix: opts.fix}, collector, func(evt ratesaudit.Event) {
		switch evt.Type {
		case ratesaudit.EventProgress:
			if opts.progress {
				fmt.Fprintf(out, "\rchecked %d/%d days, %d mismatches", evt.Checked, evt.Total, evt.Mismatches)
			}
		case ratesaudit.EventDayError:
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%s: %s\n", evt.Date, evt.Message)
		}
	})
	if opts.progress {
		fmt.Fprintln(out)
	}

	printMismatches(out, collector)
	printTotals(out, collector, opts.fix)
	if err != nil {
		return err
	}
	if !collector.Done {
		return fmt.Errorf("audit stream ended before completion")
	}
	return nil
}

func printMismatches(w io.Writer, c *ratesaudit.Collector) {
	recent := c.Recent.Items()
	if len(recent) == 0 {
		return
	}
	if c.Seen > len(recent) {
		fmt.Fprintf(w, "latest %d of %d mismatches:\n", len(recent), c.Seen)
	} else {
		fmt.Fprintf(w, "%d mismatches:\n", len(recent))
	}
	for _, evt := range recent {
		fmt.Fprintf(w, "  %s %s cached=%s source=%s diff=%s%s\n",
			evt.Date, evt.Currency, decimalString(evt.CachedValue), decimalString(evt.SourceValue), decimalString(evt.Diff), fixedSuffix(evt.Fixed))
	}
}

func printTotals(w io.Writer, c *ratesaudit.Collector, fix bool) {
	fmt.Fprintf(w, "days checked: %d/%d\n", c.Checked, c.Total)
	fmt.Fprintf(w, "mismatches:   %d\n", c.Mismatches)
	fmt.Fprintf(w, "missing:      %d\n", c.Missing)
	fmt.Fprintf(w, "day errors:   %d\n", c.Errors)
	if fix {
		fmt.Fprintln(w, "repairs were written for every mismatch and missing rate")
	}
}

func fixedSuffix(fixed bool) string {
	if fixed {
		return " (fixed)"
	}
	return ""
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
