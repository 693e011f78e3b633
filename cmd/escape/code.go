package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"escape/pkg/biometric"
	"escape/pkg/otp"
	"escape/pkg/state"
)

func codeCmd() *cobra.Command {
	var (
		qrPath  string
		confirm bool
	)
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Issue a one-time pairing code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			codes := otp.NewCodeSet()
			code, err := codes.Issue()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			if qrPath != "" {
				if err := otp.WriteQR(code, qrPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "qr code written to %s\n", qrPath)
			}
			if !confirm {
				return nil
			}

			app := state.New(state.Options{Codes: codes, Auth: biometric.Fixed(biometric.Unsupported)})
			fmt.Fprint(cmd.ErrOrStderr(), "code shown on the other device: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return err
			}
			if !app.CheckCode(strings.TrimSpace(line)) {
				return errors.New("code rejected")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "paired")
			return nil
		},
	}
	cmd.Flags().StringVar(&qrPath, "qr", "", "also write the code as a QR image to this path")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "read the code back from stdin and check it")
	return cmd
}
