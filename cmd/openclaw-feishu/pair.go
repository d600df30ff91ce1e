package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mahmut-Abi/openclaw-feishu/internal/config"
	"github.com/mahmut-Abi/openclaw-feishu/internal/pairing"
)

func openStore(cmd *cobra.Command) (*pairing.Store, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, err
	}
	return pairing.Open(cfg.Pairing.DBPath)
}

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage who may talk to the bot",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List allowed users and pending requests",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				users, err := store.ListAllowed()
				if err != nil {
					return err
				}
				fmt.Printf("Allowed users (%d):\n", len(users))
				for _, u := range users {
					name := u.Name
					if name == "" {
						name = "-"
					}
					fmt.Printf("  %s  %-20s added %s\n",
						u.OpenID, name, u.AddedAt.Format(time.DateOnly))
				}

				reqs, err := store.ListRequests()
				if err != nil {
					return err
				}
				fmt.Printf("\nPending requests (%d):\n", len(reqs))
				for _, r := range reqs {
					fmt.Printf("  %s  %s  expires %s\n",
						r.Code, r.OpenID, r.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "approve CODE",
			Short: "Approve a pairing request by code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				openID, err := store.Approve(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Approved %s\n", openID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "allow OPEN_ID [NAME]",
			Short: "Add a user to the allowlist directly",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				name := ""
				if len(args) > 1 {
					name = args[1]
				}
				if err := store.Allow(args[0], name); err != nil {
					return err
				}
				fmt.Printf("Allowed %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke OPEN_ID",
			Short: "Remove a user from the allowlist",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				if err := store.Revoke(args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			},
		},
	)

	return cmd
}
