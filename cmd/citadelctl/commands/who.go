package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshcitadel/meshcitadel/internal/server"
)

func whoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "who",
		Short: "List active BBS sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := call(server.Request{Op: "who"})
			if err != nil {
				return err
			}
			var infos []server.SessionInfo
			if err := decodeData(resp, &infos); err != nil {
				return err
			}
			views := make([]sessionView, 0, len(infos))
			for _, s := range infos {
				views = append(views, sessionView{
					Username:   s.Username,
					NodeID:     s.NodeID,
					RoomID:     s.RoomID,
					LoggedIn:   s.LoggedIn,
					LastActive: formatTime(s.LastActive),
				})
			}
			out, err := formatSessions(views, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}
