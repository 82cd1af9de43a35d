package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mini-varlink/message"
)

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call METHOD [PARAMETERS]",
	Short: "Call a varlink method and print its reply parameters",
	Long: `Call a fully qualified varlink method, for example

  varlinkctl call io.projectatomic.podman.GetVersion
  varlinkctl call org.example.ping.Ping '{"ping":"hello"}'

PARAMETERS is a JSON object; it defaults to {}.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := args[0]
		iface := message.InterfaceOf(method)
		if iface == "" {
			return fmt.Errorf("method %q is not qualified with an interface", method)
		}
		var params message.Parameters
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
				return fmt.Errorf("parameters must be a JSON object: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()
		c, release, err := newClient(ctx, iface, address)
		if err != nil {
			return err
		}
		defer release()

		reply, err := c.Call(ctx, method, params)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(reply))
		return nil
	},
}

// GetInfo lives on every varlink service.
const getInfoMethod = "org.varlink.service.GetInfo"

var infoCmd = &cobra.Command{
	Use:   "info [ADDRESS]",
	Short: "Show what a varlink service reports about itself",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := address
		if len(args) == 1 {
			addr = args[0]
		}
		if addr == "" {
			return fmt.Errorf("info needs an address (argument or --address)")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()
		c, release, err := newClient(ctx, message.InterfaceOf(getInfoMethod), addr)
		if err != nil {
			return err
		}
		defer release()

		reply, err := c.Call(ctx, getInfoMethod, nil)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(reply))
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{callCmd, infoCmd} {
		cmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "how long to wait for the reply")
		rootCmd.AddCommand(cmd)
	}
}
