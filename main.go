package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	strictFlag   bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:           "odooferry",
	Short:         "Legacy Odoo to current Odoo table-by-table migration tool",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "odooferry.toml", "path to migration TOML config file")
	rootCmd.PersistentFlags().BoolVar(&strictFlag, "strict", false, "fail rows whose foreign keys have no mapping instead of writing 0")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-connection",
		Short: "Check connectivity to the source, the target and the API",
		Args:  cobra.NoArgs,
		RunE:  runCheckConnection,
	})

	for _, a := range migrationActions {
		rootCmd.AddCommand(&cobra.Command{
			Use:   a.name,
			Short: a.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrationTables(cmd.Context(), a.tables)
			},
		})
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate-table <table>",
		Short: "Migrate a single registered table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := tableSpecs[args[0]]; !ok {
				return fmt.Errorf("unknown table %q (registered: %v)", args[0], registeredTables())
			}
			return runMigrationTables(cmd.Context(), args)
		},
	})

	diffCmd := &cobra.Command{
		Use:   "show-schema-diff [table]",
		Short: "Record and print the column diff between a legacy table and its target model",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runShowSchemaDiff,
	}
	diffCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or yaml")
	rootCmd.AddCommand(diffCmd)

	orphansCmd := &cobra.Command{
		Use:   "report-orphans",
		Short: "Count target rows whose foreign keys were written as 0",
		Args:  cobra.NoArgs,
		RunE:  runReportOrphans,
	}
	orphansCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or yaml")
	rootCmd.AddCommand(orphansCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the odooferry version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// loadRunConfig loads the config and applies command-line overrides.
func loadRunConfig() (*MigrationConfig, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if strictFlag {
		cfg.StrictForeignKeys = true
	}
	return cfg, nil
}

func runCheckConnection(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}

	failed := 0
	out := cmd.OutOrStdout()
	for _, st := range checkConnections(cmd.Context(), cfg) {
		if st.Err == nil {
			fmt.Fprintf(out, "%s %-6s %s\n", color.GreenString("ok  "), st.Role, st.Detail)
			continue
		}
		failed++
		kind := ConnOther
		var connErr *ConnectionError
		if errors.As(st.Err, &connErr) {
			kind = connErr.Kind
		}
		fmt.Fprintf(out, "%s %-6s %s: %s\n  %v\n", color.RedString("FAIL"), st.Role, st.Detail, color.YellowString(string(kind)), st.Err)
	}
	if failed > 0 {
		return fmt.Errorf("%d connection(s) failed", failed)
	}
	return nil
}

func runMigrationTables(ctx context.Context, tables []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}

	log.Printf("odooferry %s: %s -> postgres %s (strict_foreign_keys=%t)",
		versionString(), cfg.Source.Type, endpointLabel(cfg.Target.Endpoint), cfg.StrictForeignKeys)

	run, err := openRun(ctx, cfg)
	if err != nil {
		return err
	}
	defer run.Close()

	results, err := runTables(ctx, run, tables)
	for _, r := range results {
		line := r.String()
		switch {
		case len(r.Failed) > 0:
			line = color.RedString(line)
		case r.Defaulted > 0:
			line = color.YellowString(line)
		default:
			line = color.GreenString(line)
		}
		fmt.Println(line)
	}
	if err != nil {
		return err
	}
	if n := failedRows(results); n > 0 {
		return fmt.Errorf("%d row(s) failed; fix the cause and rerun, migrated rows are skipped", n)
	}
	return nil
}

func runShowSchemaDiff(cmd *cobra.Command, args []string) error {
	table := tableAccountMove
	if len(args) > 0 {
		table = args[0]
	}
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}
	run, err := openRun(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer run.Close()

	reporter := &DiffReporter{source: run.source, registry: run.registry(), store: run.target}
	d, err := reporter.Diff(cmd.Context(), table)
	if err != nil {
		return err
	}
	return writeDiff(cmd.OutOrStdout(), d, outputFormat)
}

func runReportOrphans(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}
	run, err := openRun(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer run.Close()

	counts, err := reportOrphans(cmd.Context(), run.target, migrationOrder(), tableSpecs)
	if err != nil {
		return err
	}
	return writeOrphans(cmd.OutOrStdout(), counts, outputFormat)
}

func registeredTables() []string {
	names := make([]string, 0, len(tableSpecs))
	for n := range tableSpecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
