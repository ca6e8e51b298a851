package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meshcitadel/meshcitadel/internal/server"
)

// sendCmd runs one BBS command line through the daemon's processor as the
// given account, exactly as if it arrived over the radio.
func sendCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "send <command line...>",
		Short: "Run a BBS command through the daemon",
		Long:  "Runs one BBS command line (e.g. 'K', 'C Lobby', '.EU alice') through the daemon's command processor as the given user.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := roundTrip(server.Request{
				Op:   "command",
				Line: strings.Join(args, " "),
				User: user,
			})
			if err != nil {
				return err
			}
			for _, line := range resp.Lines {
				fmt.Println(line)
			}
			if !resp.OK {
				if len(resp.Lines) == 0 && resp.Error != "" {
					fmt.Fprintln(os.Stderr, "Error:", resp.Error)
				}
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "sysop", "BBS account to run the command as")
	return cmd
}
