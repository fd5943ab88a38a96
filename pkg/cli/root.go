// Package cli implements the qmm command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"querymeta/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// session carries the resolved configuration to subcommands.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
}

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(os.Stdout, map[string]any{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		archive  string
		output   string
		profile  string
		logLevel string
		envFile  string
	)
	s := &session{}

	rootCmd := &cobra.Command{
		Use:           "qmm",
		Short:         "Query meta model recorder",
		Long:          "Record connections, statements, executions and transactions of SQL workloads and browse their history.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			// Config file is optional.
			uc, err := LoadUserConfig()
			if err != nil {
				uc = &UserConfig{CurrentProfile: "default", Profiles: map[string]Profile{}}
			}
			p, err := uc.ActiveProfile(profile)
			if err != nil {
				return err
			}

			// Precedence: flag > env > profile > default.
			flags := cmd.Flags()
			cfg.ArchiveDBPath = resolve(flags.Changed("archive"), archive, "ARCHIVE_DB_PATH", p.Archive, cfg.ArchiveDBPath)
			cfg.TargetDriver = resolve(false, "", "TARGET_DRIVER", p.Driver, cfg.TargetDriver)
			cfg.TargetDSN = resolve(false, "", "TARGET_DSN", p.DSN, cfg.TargetDSN)
			cfg.SQLDialect = resolve(false, "", "SQL_DIALECT", p.Dialect, cfg.SQLDialect)
			cfg.TargetName = resolve(false, "", "TARGET_NAME", p.Name, cfg.TargetName)
			cfg.ListenAddr = resolve(false, "", "LISTEN_ADDR", p.Listen, cfg.ListenAddr)
			output = resolve(flags.Changed("output"), output, "QMM_OUTPUT", p.Output, defaultOutputFormat())
			if err := validateOutputFormat(output); err != nil {
				return err
			}
			// Keep the flag in sync so getOutputFormat sees the resolved value.
			_ = cmd.Root().PersistentFlags().Set("output", output)

			switch {
			case flags.Changed("log-level"):
				cfg.LogLevel = logLevel
			case os.Getenv("LOG_LEVEL") == "" && cmd.Name() != "serve":
				cfg.LogLevel = "warn"
			}

			s.cfg = cfg
			s.logger = newLogger(cmd, cfg)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&archive, "archive", "", "History archive path (env ARCHIVE_DB_PATH)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Output format (table, json); defaults to table on a terminal")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "Config profile to use")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the environment is read")

	rootCmd.AddCommand(newRunCmd(s))
	rootCmd.AddCommand(newHistoryCmd(s))
	rootCmd.AddCommand(newExportCmd(s))
	rootCmd.AddCommand(newServeCmd(s))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

// resolve applies flag > env > profile > default precedence. fromEnv is the
// value LoadFromEnv produced, which is the default when envKey is unset.
func resolve(flagSet bool, flagVal, envKey, profileVal, fromEnv string) string {
	switch {
	case flagSet:
		return flagVal
	case os.Getenv(envKey) != "":
		return fromEnv
	case profileVal != "":
		return profileVal
	default:
		return fromEnv
	}
}

// newLogger logs to stderr, as JSON in production.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
	return cmd
}
