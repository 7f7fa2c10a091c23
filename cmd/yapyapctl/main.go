// cmd/yapyapctl is the CLI client for a YapYap node's admin API, built with
// Cobra.
//
// Usage:
//
//	yapyapctl send <peerId> "hello"               --node http://localhost:8787
//	yapyapctl inbox --limit 20                     --node http://localhost:8787
//	yapyapctl outbox --state pending               --node http://localhost:8787
//	yapyapctl contacts add <peerId> --alias bob --trusted
//	yapyapctl contacts rm <peerId>
//	yapyapctl contacts ls
//	yapyapctl stats
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"yapyap/internal/adminclient"
)

var (
	nodeAddr string
	timeout  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "yapyapctl",
		Short: "CLI client for a YapYap node's admin API",
	}

	root.PersistentFlags().StringVarP(&nodeAddr, "node", "n",
		"http://localhost:8787", "node admin API address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(sendCmd(), inboxCmd(), outboxCmd(), contactsCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── send ─────────────────────────────────────────────────────────────────

func sendCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "send <peerId> <payload>",
		Short: "Enqueue a message for delivery to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminclient.New(nodeAddr, timeout)
			resp, err := c.EnqueueOutbound(context.Background(), args[0], args[1], ttl)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "expiry relative to now")
	return cmd
}

// ─── inbox ────────────────────────────────────────────────────────────────

func inboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List recently received messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminclient.New(nodeAddr, timeout)
			msgs, err := c.ListInbox(context.Background(), limit)
			if err != nil {
				return err
			}
			prettyPrint(msgs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of messages to return")
	return cmd
}

// ─── outbox ───────────────────────────────────────────────────────────────

func outboxCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminclient.New(nodeAddr, timeout)
			entries, err := c.ListOutbox(context.Background(), state)
			if err != nil {
				return err
			}
			prettyPrint(entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by pending|processing|delivered|failed")
	return cmd
}

// ─── contacts ─────────────────────────────────────────────────────────────

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Address book management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List known contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminclient.New(nodeAddr, timeout)
			contacts, err := c.ListContacts(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(contacts)
			return nil
		},
	})

	var alias string
	var trusted bool
	addCmd := &cobra.Command{
		Use:   "add <peerId>",
		Short: "Add or update a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminclient.New(nodeAddr, timeout)
			return c.UpsertContact(context.Background(), args[0], alias, trusted)
		},
	}
	addCmd.Flags().StringVar(&alias, "alias", "", "human-readable alias")
	addCmd.Flags().BoolVar(&trusted, "trusted", false, "mark this contact as a preferred relay")

	cmd.AddCommand(addCmd, &cobra.Command{
		Use:   "rm <peerId>",
		Short: "Remove a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminclient.New(nodeAddr, timeout)
			return c.RemoveContact(context.Background(), args[0])
		},
	})

	return cmd
}

// ─── stats ────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show node counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := adminclient.New(nodeAddr, timeout)
			stats, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(stats)
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
