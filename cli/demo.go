package cli

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"mini-varlink/demo"
	"mini-varlink/tui"
)

var demoPlain bool

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Show the podman version and images",
	Long: `Ask podman for its version and, once that reply is in, for its images,
over one varlink channel. A ListImages failure is shown next to the version.

Key bindings:
  r          Fetch again
  q / Ctrl+C Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := newClient(cmd.Context(), demo.Interface, address)
		if err != nil {
			return err
		}
		defer release()

		fetch := func(ctx context.Context) (*demo.Page, error) {
			s, err := c.Open(ctx, demo.Interface)
			if err != nil {
				return nil, err
			}
			defer s.Close()
			return demo.Fetch(ctx, s)
		}

		if demoPlain {
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			page, err := fetch(ctx)
			if page != nil {
				if rerr := page.Render(cmd.OutOrStdout()); rerr != nil {
					return rerr
				}
			}
			return err
		}

		label := address
		if label == "" {
			label = demo.Interface
		}
		p := tea.NewProgram(tui.New(label, fetch), tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}

func init() {
	demoCmd.Flags().BoolVar(&demoPlain, "plain", false, "print once instead of starting the interactive view")
	demoCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "how long to wait for the replies with --plain")
	rootCmd.AddCommand(demoCmd)
}
