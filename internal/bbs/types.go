package bbs

import (
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Users & Rooms — read views consumed by the command and workflow layers
// -------------------------------------------------------------------------

// UserStatus is the lifecycle state of a user record.
type UserStatus string

// User statuses.
const (
	// StatusProvisional is a registration in progress: the record exists
	// so the username is reserved, but the password is a placeholder.
	StatusProvisional UserStatus = "provisional"

	// StatusActive is a completed registration.
	StatusActive UserStatus = "active"

	// StatusDisabled is an administratively locked account.
	StatusDisabled UserStatus = "disabled"
)

// User is the acting-user view loaded for command dispatch.
type User struct {
	Username    string
	DisplayName string
	Level       PermissionLevel
	Status      UserStatus
}

// Room is the room view loaded for command dispatch. Rooms form a doubly
// linked chain navigated by NextID/PrevID; zero means end of chain.
type Room struct {
	ID          int64
	Name        string
	Description string
	ReadOnly    bool
	MinLevel    PermissionLevel
	PrevID      int64
	NextID      int64
}

// MailRoomName is the fixed name of the private-mail room.
const MailRoomName = "Mail"

// -------------------------------------------------------------------------
// Workflow State
// -------------------------------------------------------------------------

// WorkflowState is the per-session pointer into a multi-step dialogue.
// Step starts at 1; Data is private to the workflow implementation.
type WorkflowState struct {
	Kind string
	Step int
	Data map[string]any
}

// NewWorkflowState returns a state at step 1 with an empty data map.
func NewWorkflowState(kind string) *WorkflowState {
	return &WorkflowState{Kind: kind, Step: 1, Data: make(map[string]any)}
}

// StringData returns Data[key] as a string, or "" when absent or not a
// string.
func (w *WorkflowState) StringData(key string) string {
	s, _ := w.Data[key].(string)
	return s
}

// IntData returns Data[key] as an int, or 0 when absent or not an int.
func (w *WorkflowState) IntData(key string) int {
	n, _ := w.Data[key].(int)
	return n
}

// -------------------------------------------------------------------------
// Messages
// -------------------------------------------------------------------------

// Message is a structured board message. When a ToUser carries one, the
// transport formats it for the wire instead of sending Text.
type Message struct {
	ID          int64
	Sender      string
	DisplayName string
	Timestamp   time.Time
	Recipient   string
	Blocked     bool
	Content     string
}

// Format renders the message the way it is shown to a remote user.
// Blocked messages render a stub so the reader can still delete or skip.
func (m *Message) Format() string {
	from := m.Sender
	if m.DisplayName != "" && m.DisplayName != m.Sender {
		from = fmt.Sprintf("%s (%s)", m.DisplayName, m.Sender)
	}
	header := fmt.Sprintf("#%d %s from %s", m.ID, m.Timestamp.Format("2006-01-02 15:04"), from)
	if m.Recipient != "" {
		header += " to " + m.Recipient
	}
	if m.Blocked {
		return header + "\n<message from blocked user>"
	}
	return header + "\n" + m.Content
}

// -------------------------------------------------------------------------
// Wire Packets — ToUser / FromUser
// -------------------------------------------------------------------------

// HintType tells the client what kind of input the server expects next.
type HintType string

// Hint types.
const (
	HintText     HintType = "text"
	HintPassword HintType = "password"
	HintMenu     HintType = "menu"
	HintChoice   HintType = "choice"
)

// Hints carries interaction metadata alongside a response. Clients that
// understand hints can mask password entry or render menus; plain clients
// ignore them.
type Hints struct {
	Type       HintType
	Workflow   string
	Step       int
	PromptNext bool
}

// ToUser is one outbound response unit addressed to a session.
type ToUser struct {
	SessionID string
	Text      string
	Hints     *Hints
	Message   *Message
	IsError   bool
	ErrorCode ErrorCode
}

// Render returns the wire text: the formatted structured message when one
// is attached, otherwise Text.
func (t *ToUser) Render() string {
	if t.Message != nil {
		return t.Message.Format()
	}
	return t.Text
}

// PayloadType discriminates the two inbound payload forms.
type PayloadType uint8

const (
	// PayloadCommand is a parsed command dispatched to the registry.
	PayloadCommand PayloadType = iota + 1

	// PayloadWorkflowResponse is raw user text delivered to the session's
	// attached workflow.
	PayloadWorkflowResponse
)

// ParsedCommand is the result of command parsing: the uppercased code and
// the untouched remainder of the line.
type ParsedCommand struct {
	Code string
	Args string
}

// FromUser is one inbound request unit from a session.
type FromUser struct {
	SessionID string
	Type      PayloadType
	Command   *ParsedCommand
	Raw       string
}
