package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sorrelctl",
		Short:         "Operator tooling for the sorrel customs sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Audit cached data against its source",
	}
	audit.AddCommand(newRatesCmd())
	root.AddCommand(audit)
	return root
}
