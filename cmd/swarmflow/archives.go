package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/mtzanidakis/swarmflow/internal/sandbox"
	"github.com/spf13/cobra"
)

func newArchivesCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Inspect the audit archives of retired sandboxes",
	}
	cmd.AddCommand(newArchivesListCommand(c), newArchivesShowCommand(c))
	return cmd
}

func newArchivesListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sandbox archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			archives, err := sandbox.ListArchives(c.cfg.Sandbox.ArchiveDir)
			if err != nil {
				return err
			}
			if len(archives) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No archives found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SANDBOX\tSIZE\tCREATED")
			for _, a := range archives {
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.SandboxID, sandbox.FormatSize(a.Size), a.ModTime.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newArchivesShowCommand(c *cli) *cobra.Command {
	var member string

	cmd := &cobra.Command{
		Use:   "show <sandbox-id>",
		Short: "List an archive's members, or print one with --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.HasSuffix(path, sandbox.ArchiveExt) {
				path += sandbox.ArchiveExt
			}
			if !filepath.IsAbs(path) && filepath.Dir(path) == "." {
				path = filepath.Join(c.cfg.Sandbox.ArchiveDir, path)
			}

			if member != "" {
				data, err := sandbox.ReadArchiveFile(path, member)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}

			entries, err := sandbox.ReadArchive(path)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, e := range entries {
				if e.Dir {
					fmt.Fprintf(w, "%s/\t-\n", strings.TrimSuffix(e.Name, "/"))
					continue
				}
				fmt.Fprintf(w, "%s\t%s\n", e.Name, sandbox.FormatSize(e.Size))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&member, "file", "f", "", "print this member, e.g. logs/commands.log")
	return cmd
}
