package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var c client
	rootCmd := &cobra.Command{
		Use:           "offlinectl",
		Short:         "Inspect and drive a running sync-agent",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	def := os.Getenv("OFFLINE_AGENT_ADDR")
	if def == "" {
		def = "http://127.0.0.1:8089"
	}
	rootCmd.PersistentFlags().StringVar(&c.addr, "addr", def, "sync-agent base URL")

	rootCmd.AddCommand(stateCmd(&c))
	rootCmd.AddCommand(enqueueCmd(&c))
	rootCmd.AddCommand(clearCmd(&c))
	rootCmd.AddCommand(syncCmd(&c))
	rootCmd.AddCommand(connectivityCmd(&c, "online", true))
	rootCmd.AddCommand(connectivityCmd(&c, "offline", false))
	rootCmd.AddCommand(installCmd(&c))
	return rootCmd
}

func stateCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print connectivity, queue and install state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "GET", "/state", nil)
		},
	}
}

func enqueueCmd(c *client) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "enqueue <type> [payload-json]",
		Short: "Queue an action for the next sync",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"type": args[0]}
			if id != "" {
				body["id"] = id
			}
			if len(args) == 2 {
				payload, err := rawJSON(args[1])
				if err != nil {
					return err
				}
				body["payload"] = payload
			}
			return c.call(cmd, "POST", "/queue", body)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "action id (generated by the agent when empty)")
	return cmd
}

func clearCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "DELETE", "/queue", nil)
		},
	}
}

func syncCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued actions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "POST", "/queue/sync", nil)
		},
	}
}

func connectivityCmd(c *client, use string, online bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Report the platform as %s", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "POST", "/connectivity", map[string]bool{"online": online})
		},
	}
}

func installCmd(c *client) *cobra.Command {
	var capture bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Show the captured install prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if capture {
				if err := c.call(cmd, "POST", "/install/offer", nil); err != nil {
					return err
				}
			}
			return c.call(cmd, "POST", "/install", nil)
		},
	}
	cmd.Flags().BoolVar(&capture, "capture", false, "capture an offer from the agent's configured prompt URL first")
	return cmd
}
