package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshcitadel/meshcitadel/internal/server"
)

// contactEntry mirrors the fields of one contact row the daemon reports.
type contactEntry struct {
	NodeID   string
	Name     string
	NodeType string
	LastSeen time.Time
}

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage known mesh contacts",
	}
	cmd.AddCommand(contactsListCmd())
	return cmd
}

func contactsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known contacts, newest-seen first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := call(server.Request{Op: "contacts"})
			if err != nil {
				return err
			}
			var rows []contactEntry
			if err := decodeData(resp, &rows); err != nil {
				return err
			}
			views := make([]contactView, 0, len(rows))
			for _, c := range rows {
				views = append(views, contactView{
					NodeID:   c.NodeID,
					Name:     c.Name,
					NodeType: c.NodeType,
					LastSeen: formatTime(c.LastSeen),
				})
			}
			out, err := formatContacts(views, outputFormat)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}
