package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"otto/internal/config"
	"otto/internal/diff"
	"otto/internal/migrate"
	"otto/internal/session"
)

// newMigrateCommand creates the migrate subcommand
func newMigrateCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect and apply legacy state migration",
	}

	var showDiff bool
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Report pending legacy layout migration without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return err
			}
			migrator := migrate.New(cli.migrateOptions())
			detection := migrator.Detect()
			if !detection.HasAnyLegacy() {
				fmt.Printf("%s State layout is current; nothing to migrate.\n", green("✅"))
				return nil
			}
			fmt.Printf("%s Legacy state detected:\n", yellow("⚠"))
			for _, line := range detection.Preview() {
				fmt.Printf("  %s\n", line)
			}
			if showDiff {
				cli.printStoreDiff(migrator)
			}
			fmt.Printf("\nRun %s to apply.\n", bold("otto migrate run"))
			return nil
		},
	}
	checkCmd.Flags().BoolVar(&showDiff, "diff", false, "Show how the session store would change")
	cmd.AddCommand(checkCmd)

	var yes bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Apply the legacy layout migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return err
			}
			migrator := migrate.New(cli.migrateOptions())
			detection := migrator.Detect()
			if !detection.HasAnyLegacy() {
				fmt.Printf("%s State layout is current; nothing to migrate.\n", green("✅"))
				return nil
			}
			for _, line := range detection.Preview() {
				fmt.Printf("  %s\n", line)
			}
			ok, err := confirm("Apply migration", yes)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}
			report := migrator.Run()
			for _, change := range report.Changes {
				fmt.Printf("%s %s\n", green("✅"), change)
			}
			for _, warning := range report.Warnings {
				fmt.Printf("%s %s\n", yellow("⚠"), warning)
			}
			if report.Empty() {
				fmt.Println(gray("Nothing needed moving."))
			}
			return nil
		},
	}
	runCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.AddCommand(runCmd)

	return cmd
}

// printStoreDiff renders the session store merge the migration would commit.
func (cli *CLI) printStoreDiff(migrator *migrate.Migrator) {
	before, after, ok := migrator.PreviewSessions()
	if !ok {
		fmt.Println(gray("Session store preview unavailable (no legacy store, or a store is unreadable)."))
		return
	}
	gen := diff.NewGenerator(3, isTTY())
	result := gen.Lines(marshalStore(before), marshalStore(after), config.StoreFileName)
	if result.Text == "" {
		fmt.Println(gray("Session store unchanged."))
		return
	}
	fmt.Printf("\n%s (%s)\n%s", bold("Session store changes"), result.Summary(), result.Text)
}

func marshalStore(contents session.Store) string {
	if len(contents) == 0 {
		return "{}\n"
	}
	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return ""
	}
	return string(data) + "\n"
}
