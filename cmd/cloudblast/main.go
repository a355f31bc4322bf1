package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/cloudblast/cluster"
	"github.com/izavyalov-dev/cloudblast/config"
	"github.com/izavyalov-dev/cloudblast/driver"
	"github.com/izavyalov-dev/cloudblast/internal/observability"
	"github.com/izavyalov-dev/cloudblast/usererr"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cloudblast: %v\n", err)
		os.Exit(usererr.ExitCode(err))
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "cloudblast",
		Short:         "Run BLAST searches on cloud infrastructure",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "cfg", "cloudblast.yaml", "run configuration file")

	newDriver := func(ctx context.Context) (*driver.Driver, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, usererr.Wrap(usererr.Input, err, "configuration")
		}
		metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
		return driver.New(ctx, cfg, metrics)
	}

	root.AddCommand(submitCmd(newDriver))
	root.AddCommand(statusCmd(newDriver))
	root.AddCommand(deleteCmd(newDriver))
	root.AddCommand(janitorCmd(newDriver))
	return root
}

type driverFactory func(ctx context.Context) (*driver.Driver, error)

// runContext cancels on SIGINT/SIGTERM so an interrupted verb drains its
// cleanup stack instead of dying mid-operation.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func submitCmd(newDriver driverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: "Tune, split, and submit a search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := runContext()
			defer stop()
			d, err := newDriver(ctx)
			if err != nil {
				return err
			}
			if err := d.Submit(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return usererr.Wrap(usererr.Interrupted, err, "submit interrupted")
				}
				return err
			}
			return nil
		},
	}
}

func statusCmd(newDriver driverFactory) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the state of a submitted search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := runContext()
			defer stop()
			d, err := newDriver(ctx)
			if err != nil {
				return err
			}
			report, err := d.Status(ctx, verbose)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report, verbose)
			if report.Overall != cluster.StatusSuccess {
				return usererr.New(usererr.NotReady, "search is %s", report.Overall)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "include per-job details")
	return cmd
}

func printReport(out io.Writer, report cluster.StatusReport, verbose bool) {
	fmt.Fprintf(out, "%s\n", report.Overall)
	fmt.Fprintf(out, "pending %d\nrunning %d\nsucceeded %d\nfailed %d\n",
		report.Counts.Pending, report.Counts.Running,
		report.Counts.Succeeded, report.Counts.Failed)
	if !verbose || len(report.Details) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tRUNTIME\tREASON")
	for _, detail := range report.Details {
		fmt.Fprintf(w, "%s\t%s\t%.0fs\t%s\n",
			detail.Name, detail.Status, detail.RuntimeSeconds, detail.Reason)
	}
	w.Flush()
}

func deleteCmd(newDriver driverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Tear down a search and its infrastructure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := runContext()
			defer stop()
			d, err := newDriver(ctx)
			if err != nil {
				return err
			}
			return d.Delete(ctx)
		},
	}
}

func janitorCmd(newDriver driverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "janitor",
		Short: "Sweep a finished search: write a status marker and delete its infrastructure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := runContext()
			defer stop()
			d, err := newDriver(ctx)
			if err != nil {
				return err
			}
			return d.Janitor(ctx)
		},
	}
}
