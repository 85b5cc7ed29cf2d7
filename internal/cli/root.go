// Package cli provides the command-line interface for the VI trader.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vi-trader/internal/config"
	"vi-trader/internal/logging"
	"vi-trader/internal/security"
)

// Version information
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// App holds what every command shares. Config is loaded lazily so that
// commands like `config init` work before any file exists.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
	Debug     bool
}

// LoadConfig loads configuration once and builds the logger from it.
func (a *App) LoadConfig() (*config.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if a.Debug {
		level = "debug"
	}
	a.Logger = logging.NewLoggerWithConfig(logging.LogConfig{
		Level:      level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	a.Config = cfg
	return cfg, nil
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: logging.NewLogger()}

	rootCmd := &cobra.Command{
		Use:   "vitrader",
		Short: "VI breakout trader for KRX",
		Long: `vitrader watches KRX volatility interruptions through the KIS open API,
evaluates the post-release window and trades the breakout with a
stop loss, take profit and end-of-session flatten.

Use 'vitrader run --paper' to trade against the in-process paper broker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.ConfigDir, _ = cmd.Flags().GetString("config")
			app.Debug, _ = cmd.Flags().GetBool("debug")
			if app.Debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/vi-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newReplayCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))

	return rootCmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("vitrader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write config.toml and credentials.toml templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			force, _ := cmd.Flags().GetBool("force")
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			written, err := config.WriteTemplates(dir, force)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"dir": dir, "written": written})
			}
			if len(written) == 0 {
				output.Info("Config files already exist in %s (use --force to overwrite)", dir)
				return nil
			}
			for _, p := range written {
				output.Success("Wrote %s", p)
			}
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite existing files")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(maskedConfig(cfg))
			}
			showConfig(output, cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if _, err := app.LoadConfig(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			NewOutput(cmd).Println(dir)
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Broker")
	output.Printf("  Mode:              %s (live endpoints: %v)\n", cfg.Mode, cfg.Broker.Live)
	output.Printf("  REST:              %s\n", cfg.Broker.RESTURL)
	output.Printf("  Websocket:         %s\n", cfg.Broker.WebsocketURL)
	output.Printf("  VI / trade TR:     %s / %s\n", cfg.Broker.ViTR, cfg.Broker.TradeTR)
	output.Println()

	output.Bold("Strategy")
	output.Printf("  Decision window:   %s\n", cfg.Strategy.DecisionWindow)
	output.Printf("  Min ticks:         %d\n", cfg.Strategy.MinPostReleaseTicks)
	output.Printf("  Min momentum:      %.2f%%\n", cfg.Strategy.MinMomentumPct)
	output.Printf("  Take profit:       %.2f%%\n", cfg.Strategy.TakeProfitPct)
	output.Printf("  Max hold:          %s\n", cfg.Strategy.MaxHoldTime)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Stop loss:         %.2f%%\n", cfg.Risk.StopLossPct)
	output.Printf("  Max positions:     %d\n", cfg.Risk.MaxConcurrentPositions)
	output.Printf("  Cooldown:          %s\n", cfg.Risk.Cooldown)
	output.Println()

	output.Bold("Session")
	output.Printf("  Hours:             %s-%s %s (flatten %s)\n", cfg.Session.Open, cfg.Session.Close, cfg.Session.Timezone, cfg.Session.FlattenAt)
	output.Printf("  Symbols:           %d enabled, %d disabled\n", len(cfg.Symbols.Enabled), len(cfg.Symbols.Disabled))
}

// maskedConfig returns a copy of cfg that is safe to print.
func maskedConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Credentials.AppKey = security.MaskCredential(cfg.Credentials.AppKey)
	out.Credentials.AppSecret = security.MaskCredential(cfg.Credentials.AppSecret)
	out.Credentials.AccountNumber = security.MaskCredential(cfg.Credentials.AccountNumber)
	out.Notifications.Telegram.BotToken = security.MaskCredential(cfg.Notifications.Telegram.BotToken)
	out.Notifications.Discord.WebhookURL = security.MaskCredential(cfg.Notifications.Discord.WebhookURL)
	out.Notifications.Redis.Password = security.MaskCredential(cfg.Notifications.Redis.Password)
	return out
}
