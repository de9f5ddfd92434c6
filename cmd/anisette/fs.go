package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/provider"
	"github.com/zboralski/anisette/internal/vfs"
)

var snapshotPath string

func fsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fs",
		Short: "Inspect the files a session starts with",
		Long: `Inspect the virtual file store a session would be seeded with: the
persisted provisioning state of the state directory, or a snapshot file
given with --snapshot.`,
	}
	cmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "", "read a store snapshot instead of the state directory")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			for _, p := range store.List() {
				info, err := store.Stat(p)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", p, keyStyle.Render(fmt.Sprintf("%d bytes", info.Size)))
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <path>",
		Short: "Write a file's contents to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			data, err := store.Read(args[0])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	export := &cobra.Command{
		Use:   "export <file>",
		Short: "Write the store as a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], store.Snapshot(), 0o600); err != nil {
				return err
			}
			status("wrote %d files to %s", store.Len(), args[0])
			return nil
		},
	}

	cmd.AddCommand(ls, get, export)
	return cmd
}

func openStore() (*vfs.Store, error) {
	if snapshotPath != "" {
		data, err := os.ReadFile(snapshotPath)
		if err != nil {
			return nil, err
		}
		store := vfs.New(adi.DefaultPath)
		if err := store.Restore(data); err != nil {
			return nil, err
		}
		return store, nil
	}
	p, err := provider.New(provider.Config{
		LibraryPath:      cfg.LibraryPath,
		ProvisioningPath: cfg.ProvisioningPath,
		StateDir:         cfg.StateDir,
	})
	if err != nil {
		return nil, err
	}
	return p.Files()
}
