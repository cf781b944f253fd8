package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"otto/internal/channels"
	"otto/internal/config"
	"otto/internal/logging"
	"otto/internal/migrate"
	"otto/internal/utils"
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Color definitions shared by every command
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// CLI holds flag state and the lazily initialized runtime shared by all
// subcommands.
type CLI struct {
	configFlag string
	stateDir   string
	agentID    string
	scope      string
	channel    string
	accountID  string
	verbose    bool

	cfg      config.RuntimeConfig
	meta     config.Metadata
	paths    config.Paths
	registry *channels.Registry

	migrations *migrate.State

	initialized bool
}

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	cli := &CLI{migrations: &migrate.State{}}

	rootCmd := &cobra.Command{
		Use:   "otto",
		Short: "Session lifecycle manager for chat agents",
		Long: fmt.Sprintf(`%s

otto keeps chat conversations mapped onto durable agent sessions: it resolves
inbound messages to canonical session keys, expires idle sessions, honors
reset triggers like /new, and migrates state left behind by pre-agent layouts.

%s
  otto sessions list              # List sessions for the configured agent
  otto sessions show KEY          # Inspect one session entry
  otto sessions reset KEY         # Drop a session entry
  otto sessions resolve "hello"   # Trace how a message resolves
  otto migrate check --diff       # Preview pending legacy-state migration
  otto migrate run                # Apply the migration
  otto config show                # Show resolved configuration`,
			bold("otto "+utils.Version),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cli.configFlag, "config", "", "Config file (default otto-config.json in $HOME or .)")
	rootCmd.PersistentFlags().StringVar(&cli.stateDir, "state-dir", "", "State directory override")
	rootCmd.PersistentFlags().StringVar(&cli.agentID, "agent", "", "Agent id override")
	rootCmd.PersistentFlags().StringVar(&cli.scope, "scope", "", "Session scope override: main, per-sender or per-group")
	rootCmd.PersistentFlags().StringVar(&cli.channel, "channel", "", "Channel override (credential migration target)")
	rootCmd.PersistentFlags().StringVar(&cli.accountID, "account", "", "Account id override (credential migration target)")
	rootCmd.PersistentFlags().BoolVarP(&cli.verbose, "verbose", "v", false, "Verbose output")

	// Add subcommands
	rootCmd.AddCommand(newSessionsCommand(cli))
	rootCmd.AddCommand(newMigrateCommand(cli))
	rootCmd.AddCommand(newConfigCommand(cli))
	rootCmd.AddCommand(newVersionCommand())

	// Configure viper
	viper.SetConfigName("otto-config")
	viper.SetConfigType("json")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	return rootCmd
}

// initialize loads configuration and builds the shared runtime. Safe to call
// from every RunE; only the first call does work.
func (cli *CLI) initialize() error {
	if cli.initialized {
		return nil
	}

	configPath := cli.configFlag
	if configPath == "" {
		// Let viper discover otto-config.json along its search paths.
		if err := viper.ReadInConfig(); err == nil {
			configPath = viper.ConfigFileUsed()
		}
	}

	overrides := config.Overrides{}
	if cli.stateDir != "" {
		overrides.StateDir = &cli.stateDir
	}
	if cli.agentID != "" {
		overrides.AgentID = &cli.agentID
	}
	if cli.scope != "" {
		overrides.SessionScope = &cli.scope
	}
	if cli.channel != "" {
		overrides.Channel = &cli.channel
	}
	if cli.accountID != "" {
		overrides.AccountID = &cli.accountID
	}
	if cli.verbose {
		verbose := true
		overrides.Verbose = &verbose
	}

	opts := []config.Option{
		config.WithEnv(config.DefaultEnvLookupWithAliases()),
		config.WithOverrides(overrides),
	}
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}

	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return err
	}

	paths, err := config.NewPaths(cfg)
	if err != nil {
		return err
	}

	registry := channels.NewRegistry()
	if cfg.ChannelsFile != "" {
		if err := registry.LoadFile(cfg.ChannelsFile); err != nil {
			fmt.Printf("%s %v\n", yellow("Warning:"), err)
		}
	}

	logger := utils.GetLogger()
	logger.SetLevel(logLevelFromConfig(cfg))
	if cfg.Verbose {
		logger.SetEcho(true)
	}

	cli.cfg, cli.meta = cfg, meta
	cli.paths = paths
	cli.registry = registry
	cli.initialized = true
	return nil
}

func logLevelFromConfig(cfg config.RuntimeConfig) utils.LogLevel {
	if cfg.Verbose {
		return utils.DEBUG
	}
	switch cfg.LogLevel {
	case "debug":
		return utils.DEBUG
	case "warn", "warning":
		return utils.WARN
	case "error":
		return utils.ERROR
	default:
		return utils.INFO
	}
}

// ensureMigrated runs the one-shot legacy layout check before any command
// that reads or writes session state.
func (cli *CLI) ensureMigrated() {
	report, skipped := migrate.AutoMigrate(cli.migrations, cli.migrateOptions(), nil)
	if skipped {
		return
	}
	for _, change := range report.Changes {
		fmt.Printf("%s %s\n", green("migrated:"), change)
	}
	for _, warning := range report.Warnings {
		fmt.Printf("%s %s\n", yellow("migration warning:"), warning)
	}
}

func (cli *CLI) migrateOptions() migrate.Options {
	return migrate.Options{
		Paths:     cli.paths,
		AgentID:   cli.cfg.AgentID,
		Channel:   cli.cfg.Channel,
		AccountID: cli.cfg.AccountID,
		Logger:    logging.NewComponentLogger("Migration"),
	}
}

// confirm asks the user to approve a destructive action. Non-interactive
// runs must pass --yes.
func confirm(label string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !isTTY() {
		return false, fmt.Errorf("refusing to proceed without a terminal; pass --yes")
	}
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
