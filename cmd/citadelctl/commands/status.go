package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshcitadel/meshcitadel/internal/server"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := call(server.Request{Op: "status"})
			if err != nil {
				return err
			}
			var info server.StatusInfo
			if err := decodeData(resp, &info); err != nil {
				return err
			}
			out, err := formatStatus(statusView{
				Version:   info.Version,
				StartedAt: formatTime(info.StartedAt),
				Uptime:    time.Since(info.StartedAt).Round(time.Second).String(),
				Sessions:  info.Sessions,
				Contacts:  info.Contacts,
				Users:     info.Users,
			}, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}
