package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meshcitadel/meshcitadel/internal/server"
)

// messageCmd transmits raw text directly to a mesh node, bypassing the
// BBS command layer. Useful for operator announcements and link tests.
func messageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <node-id> <text...>",
		Short: "Send raw text to a mesh node",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			_, err := call(server.Request{
				Op:   "send",
				Node: args[0],
				Text: strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			fmt.Println("Delivered.")
			return nil
		},
	}
}
