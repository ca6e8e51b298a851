// Package commands implements the citadelctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// --- View types for clean JSON/YAML output ---

type statusView struct {
	Version   string `json:"version" yaml:"version"`
	StartedAt string `json:"started_at" yaml:"started_at"`
	Uptime    string `json:"uptime" yaml:"uptime"`
	Sessions  int    `json:"sessions" yaml:"sessions"`
	Contacts  int    `json:"contacts" yaml:"contacts"`
	Users     int    `json:"users" yaml:"users"`
}

type sessionView struct {
	Username   string `json:"username" yaml:"username"`
	NodeID     string `json:"node_id" yaml:"node_id"`
	RoomID     int64  `json:"room_id" yaml:"room_id"`
	LoggedIn   bool   `json:"logged_in" yaml:"logged_in"`
	LastActive string `json:"last_active" yaml:"last_active"`
}

type contactView struct {
	NodeID   string `json:"node_id" yaml:"node_id"`
	Name     string `json:"name" yaml:"name"`
	NodeType string `json:"node_type" yaml:"node_type"`
	LastSeen string `json:"last_seen" yaml:"last_seen"`
}

// --- Renderers ---

// formatStatus renders the daemon status in the requested format.
func formatStatus(v statusView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(v)
	case formatYAML:
		return marshalYAML(v)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Version:\t%s\n", v.Version)
		fmt.Fprintf(w, "Started:\t%s\n", v.StartedAt)
		fmt.Fprintf(w, "Uptime:\t%s\n", v.Uptime)
		fmt.Fprintf(w, "Active Sessions:\t%d\n", v.Sessions)
		fmt.Fprintf(w, "Known Contacts:\t%d\n", v.Contacts)
		fmt.Fprintf(w, "Registered Users:\t%d\n", v.Users)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSessions renders the active session list in the requested format.
func formatSessions(sessions []sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(sessions)
	case formatYAML:
		return marshalYAML(sessions)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USERNAME\tNODE\tROOM\tLOGGED-IN\tLAST-ACTIVE")
		for _, s := range sessions {
			name := s.Username
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
				name, s.NodeID, s.RoomID, s.LoggedIn, s.LastActive)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatContacts renders the contact list in the requested format.
func formatContacts(contacts []contactView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(contacts)
	case formatYAML:
		return marshalYAML(contacts)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tNAME\tTYPE\tLAST-SEEN")
		for _, c := range contacts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.NodeID, c.Name, c.NodeType, c.LastSeen)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal to YAML: %w", err)
	}
	return string(data), nil
}

// formatTime renders a timestamp for display, tolerating the zero value.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
