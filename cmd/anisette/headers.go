package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func headersCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "headers",
		Short: "Print a fresh set of anisette headers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, done, err := openProvider()
			if err != nil {
				return err
			}
			defer done()

			h, err := p.Headers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON || quiet {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(h)
			}
			fmt.Println(renderMap("anisette headers", h))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func provisionCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision the machine against Apple's GSA service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, done, err := openProvider()
			if err != nil {
				return err
			}
			defer done()

			was, err := p.Provisioned()
			if err != nil {
				return err
			}
			if was && !force {
				status("already provisioned; use --force to provision again")
			}
			if err := p.Provision(cmd.Context(), force); err != nil {
				return err
			}
			d := p.Device()
			fmt.Println(panel("device",
				[2]string{"state", p.State().String()},
				[2]string{"uuid", d.UUID},
				[2]string{"local uuid", d.LocalUUID},
				[2]string{"identifier", d.Identifier},
				[2]string{"state dir", cfg.StateDir},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "provision even if state exists")
	return cmd
}
