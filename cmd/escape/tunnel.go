package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"escape/pkg/wireguard"
)

func tunnelRenderCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "tunnel-render",
		Short: "Render the Tunnel block as a wg-quick config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := setup()
			if err != nil {
				return err
			}
			defer r.Close()
			conn, err := r.cfg.ConnectionConfig()
			if err != nil {
				return err
			}
			if conn.Tunnel == nil {
				return errors.New("config has no Tunnel block")
			}
			body, err := wireguard.RenderConfig(*conn.Tunnel)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), body)
				return err
			}
			return os.WriteFile(out, []byte(body), 0o600)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}
