package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"mini-varlink/journal"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent calls from the local journal",
	Long: `List the calls recorded in the journal, newest first. Calls are only
recorded when journal.enabled is set in the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := journal.Open(cmd.Context(), cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()

		entries, err := store.List(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(entries))
		return nil
	},
}

// version is set at build time via -ldflags "-X mini-varlink/cli.version=x.y.z"
var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the varlinkctl version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "varlinkctl version %s\n", version)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of calls to show (0 for all)")
	rootCmd.AddCommand(historyCmd, versionCmd)
}
