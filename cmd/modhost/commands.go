package main

import (
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/app"
	"github.com/dshills/modhost/internal/config"
	"github.com/dshills/modhost/internal/extension/registry"
	"github.com/dshills/modhost/internal/logging"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	hostVersion string
	builtinRoot string
	pluginRoot  string
	userRoot    string
}

// flagPaths maps persistent flag names to config paths.
var flagPaths = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"host-version": "host.version",
	"builtin-root": "paths.builtin_root",
	"plugin-root":  "paths.plugin_root",
	"user-root":    "paths.user_root",
}

func newRootCommand(version, commit, date string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "modhost",
		Short: "modhost - extension host",
		Long: `modhost discovers extensions under its built-in and plugin roots,
validates their manifests, resolves their settings, and activates
built-ins and then enabled plugins one at a time.

A failing extension is reported and skipped; it never stops the host.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file (default ./"+config.FileName+" if present)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (console, json)")
	pf.StringVar(&flags.hostVersion, "host-version", "", "Host version checked against min_host_version")
	pf.StringVar(&flags.builtinRoot, "builtin-root", "", "Built-in extension directory")
	pf.StringVar(&flags.pluginRoot, "plugin-root", "", "Plugin extension directory")
	pf.StringVar(&flags.userRoot, "user-root", "", "User config directory (settings and enabled list)")

	rootCmd.AddCommand(
		newRunCommand(flags),
		newListCommand(flags),
		newEnableCommand(flags),
		newDisableCommand(flags),
	)
	return rootCmd
}

// loadConfig builds the configuration from defaults, the config file,
// MODHOST_* variables, and explicitly set flags, in that order. It also
// installs the configured logger.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = config.Locate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	values := make(map[string]string)
	for name, key := range flagPaths {
		f := cmd.Flags().Lookup(name)
		if f != nil && f.Changed {
			values[key] = f.Value.String()
		}
	}
	if err := cfg.Apply(values); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logging.SetLogger(logging.NewLogger(cfg.LoggerConfig()))
	return cfg, nil
}

func newApp(cmd *cobra.Command, flags *globalFlags) (*app.App, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Activate extensions and run until interrupted",
		Long: `Run discovers and activates extensions, starts their background
tasks, and waits for SIGINT or SIGTERM.

With --watch, changes under the extension and user roots trigger a full
re-discovery and setup pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("watch") {
				a.Config().Watch.Enabled = watch
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Run(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-discover extensions when files change")
	return cmd
}

func newListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Activate extensions once and print their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			report, err := a.Activate(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := printDiagnostics(out, a.Registry().Diagnostics()); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d activated, %d failed, %d skipped\n",
				len(report.Activated), len(report.Failed), len(report.Skipped))
			return nil
		},
	}
}

func printDiagnostics(w io.Writer, rows []registry.Diagnostic) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tKIND\tENABLED\tSTATE\tERROR")
	for _, d := range rows {
		kind := "plugin"
		if d.BuiltIn {
			kind = "builtin"
		}
		version := d.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Name, version, kind, strconv.FormatBool(d.Enabled), d.State, firstLine(d.Error))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func newEnableCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Append a plugin to the enabled list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			changed, err := a.Enable(args[0])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already enabled\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled %s\n", args[0])
			return nil
		},
	}
}

func newDisableCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Remove a plugin from the enabled list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			changed, err := a.Disable(args[0])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not enabled\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", args[0])
			return nil
		},
	}
}
