package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentry/partyline/pkg/client"
	"github.com/agentry/partyline/pkg/config"
	"github.com/agentry/partyline/pkg/launcher"
	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/storage"
)

// openPoolStore opens the pool for a one-shot operator command. Logging is
// kept quiet so command output stays readable.
func openPoolStore(cmd *cobra.Command) (storage.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: false})
	root, _, err := preparePool(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(root, cfg.Variant, cfg.Timings)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func openOperator(cmd *cobra.Command) (*client.Client, *config.Config, error) {
	st, cfg, err := openPoolStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	return client.New(st, cfg.Timings), cfg, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the fleet as the agents see it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, _, err := openOperator(cmd)
		if err != nil {
			return err
		}
		defer cl.Close()

		out, err := cl.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send TO CONTENT",
	Short: "Inject a message into the pool without claiming a session",
	Long: `Send enqueues a message as an external producer. TO is an agent id,
a comma-separated list, or 'all'. The sender id defaults to 'operator';
--as stamps a different one.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, _, err := openOperator(cmd)
		if err != nil {
			return err
		}
		defer cl.Close()

		as, _ := cmd.Flags().GetString("as")
		out, err := cl.SendAs(cmd.Context(), as, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List every pool record, stale ones included",
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, cfg, err := openOperator(cmd)
		if err != nil {
			return err
		}
		defer cl.Close()

		peers, err := cl.Peers(cmd.Context())
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No agents in the pool.")
			return nil
		}

		now := time.Now()
		fmt.Printf("%-12s %-8s %-14s %-9s %-8s %s\n", "ID", "PID", "HOST", "MODE", "SEEN", "CWD")
		for _, p := range peers {
			mode := string(p.Mode)
			if !p.Online(now, cfg.Timings.HeartbeatTTL) {
				mode = "stale"
			}
			seen := now.Sub(p.LastSeen).Round(time.Second).String() + " ago"
			fmt.Printf("%-12s %-8d %-14s %-9s %-8s %s\n", p.ID, p.PID, p.Hostname, mode, seen, p.CWD)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start [DIR]",
	Short: "Launch a new agent process and wait for it to join the pool",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openPoolStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		command, _ := cmd.Flags().GetString("command")
		if command == "" {
			command = cfg.AgentCommand
		}

		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}

		l := launcher.New(launcher.Config{Store: st, Timings: cfg.Timings})
		fmt.Printf("Starting agent in %s...\n", abs)
		id, err := l.Start(cmd.Context(), abs, command)
		if errors.Is(err, launcher.ErrNoCommand) {
			return fmt.Errorf("no agent command: set agent_command in the config file or pass --command")
		}
		if err != nil {
			return err
		}
		fmt.Printf("✓ Agent %s joined the pool\n", id)
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill ID [ID...]",
	Short: "Terminate agents by id",
	Long: `Kill resolves each id to its recorded PID on this host, sends SIGTERM,
and escalates to SIGKILL after a grace period. Records stay in the pool for
the reaper unless --purge removes them immediately.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openPoolStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		purge, _ := cmd.Flags().GetBool("purge")
		l := launcher.New(launcher.Config{Store: st, Timings: cfg.Timings})

		failures := 0
		for _, id := range args {
			if err := l.Kill(cmd.Context(), id, purge); err != nil {
				fmt.Fprintf(os.Stderr, "✗ %v\n", err)
				failures++
				continue
			}
			fmt.Printf("✓ Agent %s killed\n", id)
		}
		if failures > 0 {
			return fmt.Errorf("%d of %d kills failed", failures, len(args))
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().String("as", "", "Sender id to stamp on the message (default \"operator\")")
	startCmd.Flags().String("command", "", "Agent command to run (overrides config agent_command)")
	killCmd.Flags().Bool("purge", false, "Delete pool records immediately instead of leaving them to the reaper")
}
