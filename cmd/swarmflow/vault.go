package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/mtzanidakis/swarmflow/internal/store"
	"github.com/mtzanidakis/swarmflow/internal/vault"
	"github.com/spf13/cobra"
)

func newVaultCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage encrypted secrets",
	}
	cmd.AddCommand(
		newVaultSetCommand(c),
		newVaultGetCommand(c),
		newVaultListCommand(c),
		newVaultDeleteCommand(c),
	)
	return cmd
}

// withVault opens the store and the vault for the duration of fn.
func withVault(c *cli, fn func(*store.Store, *vault.Vault) error) error {
	v, err := openVault(c.cfg)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("vault.passphrase is not set: %w", vault.ErrNoPassphrase)
	}
	db, err := openStore(c.cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db, v)
}

func newVaultSetCommand(c *cli) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(string(data), "\r\n")
			}
			if value == "" {
				return errors.New("secret value is empty")
			}
			return withVault(c, func(db *store.Store, v *vault.Vault) error {
				if err := v.Put(db, args[0], description, []byte(value)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %s saved. Reference it as %s%s\n", args[0], vault.RefPrefix, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "what the secret is for")
	return cmd
}

func newVaultGetCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a decrypted secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(c, func(db *store.Store, v *vault.Vault) error {
				value, err := v.Get(db, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}
}

func newVaultListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			secrets, err := db.ListSecrets()
			if err != nil {
				return err
			}
			if len(secrets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
			for _, s := range secrets {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newVaultDeleteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteSecret(args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("secret %s not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %s deleted.\n", args[0])
			return nil
		},
	}
}
