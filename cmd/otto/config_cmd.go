package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"otto/internal/config"
	"otto/internal/utils"
)

// newConfigCommand creates the config subcommand
func newConfigCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show resolved configuration and where each value came from",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return err
			}
			cli.showConfig()
			return nil
		},
	})

	return cmd
}

func (cli *CLI) showConfig() {
	out := fmt.Sprintf("\n%s\n", bold("Configuration"))
	out += configLine("Agent", cli.cfg.AgentID, cli.meta.Source("agent_id"))
	out += configLine("Session scope", cli.cfg.SessionScope, cli.meta.Source("session_scope"))
	out += configLine("Idle minutes", fmt.Sprintf("%d", cli.cfg.IdleMinutes), cli.meta.Source("idle_minutes"))
	out += configLine("Reset triggers", strings.Join(cli.cfg.ResetTriggers, ", "), cli.meta.Source("reset_triggers"))
	out += configLine("State dir", cli.cfg.StateDir, cli.meta.Source("state_dir"))
	out += configLine("Channel", cli.cfg.Channel, cli.meta.Source("channel"))
	out += configLine("Account", cli.cfg.AccountID, cli.meta.Source("account_id"))
	out += configLine("Log level", cli.cfg.LogLevel, cli.meta.Source("log_level"))

	out += fmt.Sprintf("\n%s\n", bold("Paths"))
	out += fmt.Sprintf("  %s: %s\n", bold("Agents root"), blue(cli.paths.AgentsDir()))
	out += fmt.Sprintf("  %s: %s\n", bold("Session store"), blue(cli.paths.SessionStorePath(cli.cfg.AgentID)))
	out += fmt.Sprintf("  %s: %s\n", bold("Agent workdir"), blue(cli.paths.AgentWorkDir(cli.cfg.AgentID)))
	out += fmt.Sprintf("  %s: %s\n", bold("Credentials"), blue(cli.paths.AccountCredentialsDir(cli.cfg.Channel, cli.cfg.AccountID)))

	out += fmt.Sprintf("\n%s\n", bold("Channels"))
	for _, name := range cli.registry.Names() {
		marker := ""
		if cli.registry.ChannelStyle(name) {
			marker = gray(" (channel-style)")
		}
		out += fmt.Sprintf("  %s%s\n", blue(name), marker)
	}

	fmt.Print(out)
}

func configLine(label, value string, source config.ValueSource) string {
	suffix := ""
	if source != config.SourceDefault {
		suffix = gray(fmt.Sprintf(" (%s)", source))
	}
	return fmt.Sprintf("  %s: %s%s\n", bold(label), blue(value), suffix)
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", utils.Version)
		},
	}
}
