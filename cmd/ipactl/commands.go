package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ipalab/internal/config"
	"ipalab/internal/logging"
	"ipalab/internal/stats"
	"ipalab/internal/telemetry"
	"ipalab/pkg/ipalab"
)

type globalFlags struct {
	logLevel    string
	logFormat   string
	metricsAddr string
	runsDir     string
	backend     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	var logger *logging.Logger
	root := &cobra.Command{
		Use:           "ipactl",
		Short:         "Run and inspect interpretable surrogate experiments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			base, err := logging.NewSlog(cmd.ErrOrStderr(), g.logLevel, g.logFormat)
			if err != nil {
				return err
			}
			logger = logging.New(base)
			if g.metricsAddr != "" {
				go func() {
					if err := telemetry.Serve(cmd.Context(), g.metricsAddr); err != nil {
						logger.Warn("metrics server stopped", "addr", g.metricsAddr, "error", err)
					}
				}()
			}
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&g.logFormat, "log-format", "text", "log format: text|json")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (empty disables)")
	pf.StringVar(&g.runsDir, "runs-dir", "results", "directory holding run directories")
	pf.StringVar(&g.backend, "backend", "csv", "ledger backend for new runs: csv|sqlite|memory")

	client := func() *ipalab.Client {
		return ipalab.New(ipalab.Options{RunsDir: g.runsDir, Backend: g.backend, Resolve: stdinResolver(), Logger: logger})
	}
	loggerFn := func() *logging.Logger { return logger }

	root.AddCommand(
		newRunCmd(loggerFn),
		newContinueCmd(loggerFn),
		newShowCmd(client),
		newListCmd(client),
		newSummarizeCmd(client),
		newExportCmd(client),
		newMigrateCmd(client),
	)
	return root
}

func newRunCmd(logger func() *logging.Logger) *cobra.Command {
	var (
		configPath string
		name       string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new run from a suite file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSuite(cmd.Context(), cmd.OutOrStdout(), configPath, name, false, logger())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "suite YAML path")
	cmd.Flags().StringVar(&name, "name", "", "run name (overrides the suite name)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newContinueCmd(logger func() *logging.Logger) *cobra.Command {
	var (
		configPath string
		name       string
	)
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Resume an existing run, recording only missing repetitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSuite(cmd.Context(), cmd.OutOrStdout(), configPath, name, true, logger())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "suite YAML path")
	cmd.Flags().StringVar(&name, "name", "", "name of the run to continue")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runSuite(ctx context.Context, out io.Writer, path, name string, resume bool, logger *logging.Logger) error {
	suite, err := config.Load(path)
	if err != nil {
		return err
	}
	if name != "" {
		suite.Name = name
	}
	client, req, release, err := ipalab.FromSuite(suite, stdinResolver(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("closing test cache failed", "error", err)
		}
	}()
	req.Continue = resume

	summary, err := client.Run(ctx, req)
	fmt.Fprintf(out, "run=%s dir=%s session=%s rows_appended=%d\n", summary.Name, summary.Directory, summary.Session, summary.RowsAppended)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "experiments=%d\n", len(summary.Completed))
	return nil
}

func newShowCmd(client func() *ipalab.Client) *cobra.Command {
	var (
		name   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the manifest and rows of a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			show, err := client().Show(cmd.Context(), name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, show)
			}
			m := show.Manifest
			fmt.Fprintf(out, "run=%s backend=%s created=%s progress=%s sessions=%d interruptions=%d\n",
				m.Name, m.Backend, m.CreatedAtUTC, m.ProgressFlag, len(m.Sessions), len(m.Interruptions))
			if show.Description != "" {
				fmt.Fprintf(out, "description=%q\n", show.Description)
			}
			for _, row := range show.Rows {
				metrics := make([]string, 0, len(row.Metrics))
				for _, k := range row.Metrics.Keys() {
					metrics = append(metrics, fmt.Sprintf("%s=%.4g", k, row.Metrics[k]))
				}
				fmt.Fprintf(out, "exp_no=%d rep_no=%d fingerprint=%s session=%s %s\n",
					row.ExpNo, row.RepNo, row.Fingerprint, row.Session, strings.Join(metrics, " "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "run name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newListCmd(client func() *ipalab.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := client().Runs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(out, "run=%s created=%s backend=%s progress=%s sessions=%d interruptions=%d\n",
					r.Name, r.CreatedAtUTC, r.Backend, r.ProgressFlag, r.Sessions, r.Interruptions)
			}
			return nil
		},
	}
}

func newSummarizeCmd(client func() *ipalab.Client) *cobra.Command {
	var (
		name   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Aggregate metrics per experiment and write summary.json",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, path, err := client().Summarize(cmd.Context(), name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, report)
			}
			for _, exp := range report.Experiments {
				fmt.Fprintf(out, "exp_no=%d fingerprint=%s repetitions=%d classifier=%s interpreter=%s\n",
					exp.ExpNo, exp.Fingerprint, exp.Repetitions, exp.Params.Classifier, exp.Params.Interpreter)
				for _, metric := range stats.MetricNames([]stats.ExperimentSummary{exp}) {
					s := exp.Metrics[metric]
					fmt.Fprintf(out, "  %s count=%d mean=%.4g std=%.4g min=%.4g max=%.4g\n",
						metric, s.Count, s.Mean, s.Std, s.Min, s.Max)
				}
			}
			fmt.Fprintf(out, "summary=%s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "run name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newExportCmd(client func() *ipalab.Client) *cobra.Command {
	var name, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the flattened result table of a run as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := client().Export(cmd.Context(), ipalab.ExportRequest{Name: name, Out: out})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run=%s rows=%d to=%s\n", summary.Name, summary.Rows, summary.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "run name")
	cmd.Flags().StringVar(&out, "out", "", "output CSV path (default <run>/results_flat.csv)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newMigrateCmd(client func() *ipalab.Client) *cobra.Command {
	var in, name, description string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert a legacy packed results file into a new run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := client().Migrate(cmd.Context(), ipalab.MigrateRequest{In: in, Name: name, Description: description})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated run=%s rows=%d experiments=%d\n", summary.Name, summary.RowsAppended, len(summary.Completed))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "legacy results CSV")
	cmd.Flags().StringVar(&name, "name", "", "name of the new run")
	cmd.Flags().StringVar(&description, "description", "migrated from a legacy results file", "run description")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
