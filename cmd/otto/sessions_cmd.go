package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"otto/internal/logging"
	"otto/internal/session"
	"otto/internal/session/store"
)

// newSessionsCommand creates the sessions subcommand
func newSessionsCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}

	var allAgents, asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return err
			}
			cli.ensureMigrated()
			if allAgents {
				return cli.listAllAgents(asJSON)
			}
			return cli.listAgents([]string{cli.cfg.AgentID}, asJSON)
		},
	}
	listCmd.Flags().BoolVar(&allAgents, "all-agents", false, "List sessions for every agent under the state dir")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Show one session entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return err
			}
			cli.ensureMigrated()
			return cli.showSession(args[0])
		},
	})

	var yes bool
	resetCmd := &cobra.Command{
		Use:   "reset <key>",
		Short: "Delete a session entry so the next message starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return err
			}
			cli.ensureMigrated()
			key := session.NormalizeKeyForAgent(args[0], cli.cfg.AgentID)
			ok, err := confirm(fmt.Sprintf("Delete session %s", key), yes)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}
			if err := cli.openStore(cli.cfg.AgentID).Delete(key); err != nil {
				return err
			}
			fmt.Printf("%s Deleted session %s\n", green("✅"), key)
			return nil
		},
	}
	resetCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.AddCommand(resetCmd)

	flags := resolveFlags{}
	resolveCmd := &cobra.Command{
		Use:   "resolve [message...]",
		Short: "Trace how an inbound message resolves to a session",
		Long: `Runs one message through the full session resolution pipeline and prints
the outcome. Useful for verifying scope, idle and reset-trigger behavior
against the live store. The resolution is persisted exactly as a real
message would be.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return err
			}
			cli.ensureMigrated()
			mgr, err := cli.newManager()
			if err != nil {
				return err
			}
			msg := buildMessageContext(flags, strings.Join(args, " "))
			res, err := mgr.Resolve(cmd.Context(), msg)
			if err != nil {
				return err
			}
			printResolution(res)
			return nil
		},
	}
	resolveCmd.Flags().StringVar(&flags.channel, "from-channel", "", "Channel the message arrived on")
	resolveCmd.Flags().StringVar(&flags.sender, "from", "", "Sender id")
	resolveCmd.Flags().StringVar(&flags.group, "group", "", "Group conversation id")
	resolveCmd.Flags().StringVar(&flags.chatType, "chat-type", "", "Chat type hint: direct, group or channel")
	resolveCmd.Flags().StringVar(&flags.subject, "subject", "", "Group subject")
	resolveCmd.Flags().StringVar(&flags.room, "room", "", "Room tag")
	resolveCmd.Flags().StringVar(&flags.space, "space", "", "Workspace or server name")
	resolveCmd.Flags().StringVar(&flags.name, "name", "", "Sender display name")
	resolveCmd.Flags().StringVar(&flags.normalized, "normalized", "", "Mention-stripped body, as a group transport would supply")
	resolveCmd.Flags().StringVar(&flags.parent, "parent", "", "Parent session key to fork from")
	cmd.AddCommand(resolveCmd)

	return cmd
}

// resolveFlags carries the surface of the sessions resolve command.
type resolveFlags struct {
	channel    string
	sender     string
	group      string
	chatType   string
	subject    string
	room       string
	space      string
	name       string
	normalized string
	parent     string
}

func buildMessageContext(flags resolveFlags, body string) session.MessageContext {
	return session.MessageContext{
		Channel:          flags.channel,
		SenderID:         flags.sender,
		GroupID:          flags.group,
		ChatType:         session.ChatType(flags.chatType),
		Subject:          flags.subject,
		Room:             flags.room,
		Space:            flags.space,
		DisplayName:      flags.name,
		Body:             body,
		NormalizedBody:   flags.normalized,
		ParentSessionKey: flags.parent,
	}
}

func (cli *CLI) openStore(agentID string) *store.FileStore {
	return store.New(cli.paths.SessionStorePath(agentID), logging.NewComponentLogger("SessionStore"))
}

func (cli *CLI) newManager() (*session.Manager, error) {
	agentID := cli.cfg.AgentID
	forker, err := session.NewForker(session.ForkerConfig{
		Locator: session.DirTranscripts{Dir: cli.paths.SessionsDir(agentID)},
		WorkDir: cli.paths.AgentWorkDir(agentID),
		Logger:  logging.NewComponentLogger("SessionFork"),
	})
	if err != nil {
		return nil, err
	}
	return session.NewManager(session.Config{
		AgentID:       agentID,
		Scope:         cli.cfg.SessionScope,
		IdleMinutes:   cli.cfg.IdleMinutes,
		ResetTriggers: cli.cfg.ResetTriggers,
		Store:         cli.openStore(agentID),
		Caps:          cli.registry,
		Forker:        forker,
		Logger:        logging.NewComponentLogger("SessionManager"),
	})
}

func (cli *CLI) listAllAgents(asJSON bool) error {
	entries, err := os.ReadDir(cli.paths.AgentsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println(gray("No agent state found."))
			return nil
		}
		return err
	}

	agents := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			agents = append(agents, entry.Name())
		}
	}
	return cli.listAgents(agents, asJSON)
}

// listAgents loads each agent's store concurrently and prints them in
// stable order.
func (cli *CLI) listAgents(agents []string, asJSON bool) error {
	var (
		mu     sync.Mutex
		stores = make(map[string]session.Store, len(agents))
	)
	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, agentID := range agents {
		g.Go(func() error {
			contents, err := cli.openStore(agentID).Load()
			if err != nil {
				return fmt.Errorf("agent %s: %w", agentID, err)
			}
			mu.Lock()
			stores[agentID] = contents
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if asJSON {
		return printJSON(stores)
	}
	sorted := make([]string, 0, len(stores))
	for agentID := range stores {
		sorted = append(sorted, agentID)
	}
	sort.Strings(sorted)
	for _, agentID := range sorted {
		printStoreTable(agentID, stores[agentID])
	}
	return nil
}

func printStoreTable(agentID string, contents session.Store) {
	fmt.Printf("\n%s %s (%d sessions)\n", bold("Agent"), blue(agentID), len(contents))
	keys := make([]string, 0, len(contents))
	for key := range contents {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		entry := contents[key]
		chatType := string(entry.ChatType)
		if chatType == "" {
			chatType = "-"
		}
		fmt.Printf("  %s\n", bold(key))
		fmt.Printf("    %s %s  %s %s  %s %s\n",
			gray("session:"), entry.SessionID,
			gray("chat:"), chatType,
			gray("updated:"), humanizeSince(entry.UpdatedAt, time.Now()))
	}
}

func (cli *CLI) showSession(rawKey string) error {
	key := session.NormalizeKeyForAgent(rawKey, cli.cfg.AgentID)
	contents, err := cli.openStore(cli.cfg.AgentID).Load()
	if err != nil {
		return err
	}
	entry := contents[key]
	if entry == nil {
		return fmt.Errorf("no session for key %s", key)
	}

	fmt.Printf("\n%s %s\n", bold("Session"), blue(key))
	printField("Session id", entry.SessionID)
	printField("Updated", humanizeSince(entry.UpdatedAt, time.Now()))
	printField("Chat type", string(entry.ChatType))
	printField("Channel", entry.Channel)
	printField("Group", entry.GroupID)
	printField("Subject", entry.Subject)
	printField("Room", entry.Room)
	printField("Space", entry.Space)
	printField("Display name", entry.DisplayName)
	printField("Last channel", entry.LastChannel)
	printField("Last to", entry.LastTo)
	printField("Last account", entry.LastAccountID)
	printField("Transcript", entry.SessionFile)
	printField("Thinking level", entry.ThinkingLevel)
	printField("Verbose level", entry.VerboseLevel)
	printField("Reasoning level", entry.ReasoningLevel)
	printField("Model override", entry.ModelOverride)
	printField("Provider override", entry.ProviderOverride)
	printField("Send policy", entry.SendPolicy)
	printField("Queue mode", entry.QueueMode)
	if entry.CompactionCount > 0 {
		printField("Compactions", fmt.Sprintf("%d", entry.CompactionCount))
	}
	if entry.MemoryFlushCount > 0 {
		printField("Memory flushes", fmt.Sprintf("%d", entry.MemoryFlushCount))
	}
	return nil
}

func printField(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("  %s: %s\n", bold(label), blue(value))
}

func printResolution(res *session.Resolution) {
	fmt.Printf("\n%s\n", bold("Resolution"))
	printField("Key", res.Key)
	printField("Outcome", string(res.Outcome))
	printField("Session id", res.SessionID)
	printField("New session", fmt.Sprintf("%t", res.IsNew))
	if res.StrippedBody != "" {
		printField("Stripped body", res.StrippedBody)
	}
	if res.Group != nil {
		printField("Group channel", res.Group.Channel)
		printField("Group id", res.Group.ID)
		printField("Group chat type", string(res.Group.ChatType))
	}
}

// humanizeSince renders an epoch-milliseconds timestamp as a rough age.
func humanizeSince(updatedAt int64, now time.Time) string {
	if updatedAt <= 0 {
		return "never"
	}
	elapsed := now.Sub(time.UnixMilli(updatedAt))
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
