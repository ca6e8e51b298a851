package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/session"
	"github.com/meshcitadel/meshcitadel/internal/storage"
	"github.com/meshcitadel/meshcitadel/internal/workflow"
)

// readBatchLimit bounds how many full messages a single R command pushes
// over the radio.
const readBatchLimit = 5

// scanLimit bounds the S room scan.
const scanLimit = 10

// scanPreviewLen is the per-message preview width in a scan.
const scanPreviewLen = 40

// NewBuiltinRegistry returns the full built-in command table.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, cmd := range builtins() {
		r.Register(cmd)
	}
	return r
}

func builtins() []*Command {
	return []*Command{
		{
			Code: "G", Name: "Goto next room", Category: CategoryCommon,
			MinLevel: bbs.PermUnverified, Action: bbs.ActionChangeRoom,
			ShortText: "Go to the next room with unread messages",
			HelpText:  "Moves you forward through the room chain to the next room holding messages you have not read, wrapping around at the end.",
			Run:       runGotoNext,
		},
		{
			Code: "E", Name: "Enter message", Category: CategoryCommon,
			MinLevel: bbs.PermTwit, Action: bbs.ActionPostMessage,
			ShortText: "Enter a message in this room",
			HelpText:  "Starts message entry in the current room. End your message with a single '.' on its own line. In Mail you will be asked for a recipient first.",
			Run:       runEnterMessage,
		},
		{
			Code: "R", Name: "Read messages", Category: CategoryCommon,
			MinLevel: bbs.PermUnverified, Action: bbs.ActionReadMessages,
			ShortText: "Read recent messages in this room",
			ArgSchema: "[id]",
			HelpText:  "Reads the most recent messages in the current room, or one message by number: R 42.",
			Run:       runRead,
		},
		{
			Code: "N", Name: "Read new messages", Category: CategoryCommon,
			MinLevel: bbs.PermUnverified, Action: bbs.ActionReadMessages,
			ShortText: "Read unread messages in this room",
			HelpText:  "Reads every message in the current room you have not seen yet and advances your read pointer.",
			Run:       runReadNew,
		},
		{
			Code: "K", Name: "Known rooms", Category: CategoryCommon,
			MinLevel: bbs.PermUnverified,
			ShortText: "List the rooms on this board",
			HelpText:  "Lists every room in chain order. Rooms holding unread messages are marked with '*'.",
			Run:       runKnownRooms,
		},
		{
			Code: "S", Name: "Scan room", Category: CategoryUncommon,
			MinLevel: bbs.PermUnverified, Action: bbs.ActionReadMessages,
			ShortText: "Scan recent message headers",
			HelpText:  "Shows one summary line per recent message in the current room without marking anything read.",
			Run:       runScan,
		},
		{
			Code: "C", Name: "Change room", Category: CategoryCommon,
			MinLevel: bbs.PermUnverified, Action: bbs.ActionChangeRoom,
			ShortText: "Change to a named room",
			ArgSchema: "<room>",
			HelpText:  "Moves you to the named (or numbered) room: C Lobby.",
			Run:       runChangeRoom,
		},
		{
			Code: "M", Name: "Mail", Category: CategoryCommon,
			MinLevel: bbs.PermUser, Action: bbs.ActionSendMail,
			ShortText: "Go to your Mail room",
			HelpText:  "Moves you to the private Mail room. Messages there are visible only to their sender and recipient.",
			Run:       runMail,
		},
		{
			Code: "I", Name: "Ignore room", Category: CategoryUncommon,
			MinLevel: bbs.PermUser, Action: bbs.ActionIgnoreRoom,
			ShortText: "Stop visiting this room with G",
			HelpText:  "Marks the current room ignored; G will skip it from now on.",
			Run:       runIgnoreRoom,
		},
		{
			Code: "W", Name: "Who", Category: CategoryUncommon,
			MinLevel: bbs.PermUnverified, Action: bbs.ActionListUsers,
			ShortText: "List who is connected",
			HelpText:  "Lists the users with a live session right now.",
			Run:       runWho,
		},
		{
			Code: "D", Name: "Delete message", Category: CategoryUncommon,
			MinLevel: bbs.PermUnverified,
			ShortText: "Delete a message",
			ArgSchema: "<id>",
			HelpText:  "Deletes a message by number. You may delete your own messages; Aides may delete any.",
			Run:       runDeleteMessage,
		},
		{
			Code: "B", Name: "Block user", Category: CategoryUncommon,
			MinLevel: bbs.PermUser, Action: bbs.ActionBlockUser,
			ShortText: "Block or unblock a user's messages",
			ArgSchema: "<user>",
			HelpText:  "Toggles a per-user block: blocked users' messages show as a stub when you read.",
			Run:       runBlockUser,
		},
		{
			Code: "Q", Name: "Quit", Category: CategoryCommon,
			MinLevel: bbs.PermUnverified,
			ShortText: "Log out",
			HelpText:  "Ends your session and clears this node's stored login, so the next contact starts at the login prompt.",
			Run:       runQuit,
		},
		{
			Code: "CANCEL", Name: "Cancel workflow", Category: CategoryUnusual,
			MinLevel: bbs.PermUnverified,
			ShortText: "Abort the dialogue in progress",
			HelpText:  "Aborts a multi-step dialogue (registration, message entry, ...) from any step.",
			Run:       runCancel,
		},
		{
			Code: "H", Name: "Help", Category: CategoryCommon,
			MinLevel: bbs.PermUnverified,
			ShortText: "This menu",
			ArgSchema: "[code]",
			HelpText:  "Without arguments, shows the command menu. With a code, shows that command's full help: H G.",
			Run:       runHelp,
		},
		{
			Code: "?", Name: "Help", Category: CategoryCommon,
			MinLevel: bbs.PermUnverified,
			ShortText: "This menu",
			HelpText:  "Same as H.",
			Run:       runHelp,
		},
		{
			Code: "V", Name: "Validate users", Category: CategoryAide,
			MinLevel: bbs.PermAide, Action: bbs.ActionValidateUsers,
			ShortText: "Review pending registrations",
			HelpText:  "Walks the queue of new registrations: (A)pprove, (R)eject, (S)kip, (Q)uit.",
			Run:       runValidateUsers,
		},
		{
			Code: ".C", Name: "Create room", Category: CategoryUncommon,
			MinLevel: bbs.PermUser, Action: bbs.ActionCreateRoom,
			ShortText: "Create a new room",
			ArgSchema: "[name]",
			HelpText:  "Creates a room right after your current one and moves you into it: .C Radio.",
			Run:       runCreateRoom,
		},
		{
			Code: ".ER", Name: "Edit room", Category: CategorySysop,
			MinLevel: bbs.PermSysop, Action: bbs.ActionEditRoom,
			ShortText: "Edit room attributes",
			ArgSchema: "<room> [ro|rw] [level=<lvl>] [desc=<text>]",
			HelpText:  "Sets a room's attributes: .ER Announcements ro level=user desc=Board news.",
			Run:       runEditRoom,
		},
		{
			Code: ".EU", Name: "Edit user", Category: CategorySysop,
			MinLevel: bbs.PermSysop, Action: bbs.ActionEditUser,
			ShortText: "Edit a user account",
			ArgSchema: "[user]",
			HelpText:  "Opens the account editor for the named user (or yourself): .EU carol.",
			Run:       runEditUser,
		},
		{
			Code: ".FF", Name: "Fast forward", Category: CategoryUnusual,
			MinLevel: bbs.PermUnverified, Action: bbs.ActionReadMessages,
			ShortText: "Mark this room read",
			HelpText:  "Marks everything currently in the room as read without showing it.",
			Run:       runFastForward,
		},
	}
}

func reply(sessionID, text string) []bbs.ToUser {
	return []bbs.ToUser{{SessionID: sessionID, Text: text}}
}

func needRoom(req *Request) []bbs.ToUser {
	return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
		"You are not in a room. Use C or G first.")}
}

// -------------------------------------------------------------------------
// Navigation
// -------------------------------------------------------------------------

func runGotoNext(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	room, err := req.Env.DB.Rooms.GoToNextRoom(ctx, req.User.Username, req.Session.CurrentRoomID, true)
	if errors.Is(err, storage.ErrNotFound) {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrNoNextRoom,
			"No more rooms with unread messages.")}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := req.Env.Sessions.SetCurrentRoom(req.Session.ID, room.ID); err != nil {
		return nil, err
	}

	unread, err := req.Env.DB.Rooms.GetUnreadMessageIDs(ctx, req.User.Username, room.ID)
	if err != nil {
		return nil, err
	}
	return reply(req.Session.ID,
		fmt.Sprintf("%s — %d unread.", room.Name, len(unread))), nil
}

func runChangeRoom(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	if req.Args == "" {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
			"Which room? C <name>.")}, nil
	}
	room, err := req.Env.DB.Rooms.GoToRoom(ctx, req.Args)
	if errors.Is(err, storage.ErrNotFound) {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidRoomName,
			fmt.Sprintf("No such room: %s", req.Args))}, nil
	}
	if err != nil {
		return nil, err
	}
	if req.User.Level < room.MinLevel {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrPermissionDenied,
			"You do not have permission to enter that room.")}, nil
	}
	if err := req.Env.Sessions.SetCurrentRoom(req.Session.ID, room.ID); err != nil {
		return nil, err
	}
	return reply(req.Session.ID, fmt.Sprintf("Now in %s.", room.Name)), nil
}

func runMail(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	id, err := req.Env.DB.Rooms.GetIDByName(ctx, bbs.MailRoomName)
	if errors.Is(err, storage.ErrNotFound) {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidRoomName,
			"This board has no Mail room.")}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := req.Env.Sessions.SetCurrentRoom(req.Session.ID, id); err != nil {
		return nil, err
	}
	return reply(req.Session.ID, "Now in Mail."), nil
}

func runKnownRooms(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	rooms, err := req.Env.DB.Rooms.List(ctx)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("Rooms:")
	for _, room := range rooms {
		if room.MinLevel > req.User.Level {
			continue
		}
		marker := " "
		if unread, err := req.Env.DB.Rooms.HasUnreadMessages(ctx, req.User.Username, room.ID); err == nil && unread {
			marker = "*"
		}
		fmt.Fprintf(&b, "\n%s %d. %s", marker, room.ID, room.Name)
	}
	return reply(req.Session.ID, b.String()), nil
}

func runIgnoreRoom(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	if req.Room == nil {
		return needRoom(req), nil
	}
	if err := req.Env.DB.Rooms.Ignore(ctx, req.User.Username, req.Room.ID); err != nil {
		return nil, err
	}
	return reply(req.Session.ID,
		fmt.Sprintf("%s will be skipped from now on.", req.Room.Name)), nil
}

// -------------------------------------------------------------------------
// Reading & posting
// -------------------------------------------------------------------------

func messagesToUsers(sessionID string, msgs []*bbs.Message) []bbs.ToUser {
	out := make([]bbs.ToUser, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, bbs.ToUser{SessionID: sessionID, Message: m})
	}
	return out
}

func runRead(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	if req.Room == nil {
		return needRoom(req), nil
	}

	if req.Args != "" {
		id, err := strconv.ParseInt(req.Args, 10, 64)
		if err != nil {
			return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
				"R takes a message number.")}, nil
		}
		msg, err := req.Env.DB.Messages.Get(ctx, id, req.User.Username)
		if errors.Is(err, storage.ErrNotFound) {
			return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
				fmt.Sprintf("No message #%d.", id))}, nil
		}
		if err != nil {
			return nil, err
		}
		return messagesToUsers(req.Session.ID, []*bbs.Message{msg}), nil
	}

	ids, err := req.Env.DB.Rooms.ListMessageIDs(ctx, req.User.Username, req.Room.ID, readBatchLimit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return reply(req.Session.ID, "No messages here."), nil
	}
	msgs, err := req.Env.DB.Messages.GetMany(ctx, ids, req.User.Username)
	if err != nil {
		return nil, err
	}
	return messagesToUsers(req.Session.ID, msgs), nil
}

func runReadNew(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	if req.Room == nil {
		return needRoom(req), nil
	}
	ids, err := req.Env.DB.Rooms.GetUnreadMessageIDs(ctx, req.User.Username, req.Room.ID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return reply(req.Session.ID, "No new messages."), nil
	}
	msgs, err := req.Env.DB.Messages.GetMany(ctx, ids, req.User.Username)
	if err != nil {
		return nil, err
	}
	if err := req.Env.DB.Rooms.MarkRead(ctx, req.User.Username, req.Room.ID, ids[len(ids)-1]); err != nil {
		return nil, err
	}
	return messagesToUsers(req.Session.ID, msgs), nil
}

func runScan(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	if req.Room == nil {
		return needRoom(req), nil
	}
	entries, err := req.Env.DB.Messages.Summary(ctx, req.Room.ID, scanLimit, scanPreviewLen)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return reply(req.Session.ID, "No messages here."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s:", req.Room.Name)
	for _, e := range entries {
		fmt.Fprintf(&b, "\n#%d %s %s: %s",
			e.ID, e.Posted.Format("01-02 15:04"), e.Sender, e.Preview)
	}
	return reply(req.Session.ID, b.String()), nil
}

func runEnterMessage(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	if req.Room == nil {
		return needRoom(req), nil
	}
	return req.Env.Workflows.Start(ctx, req.Session.ID, workflow.KindEnterMessage), nil
}

func runFastForward(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	if req.Room == nil {
		return needRoom(req), nil
	}
	if err := req.Env.DB.Rooms.FastForward(ctx, req.User.Username, req.Room.ID); err != nil {
		return nil, err
	}
	return reply(req.Session.ID, fmt.Sprintf("%s marked read.", req.Room.Name)), nil
}

func runDeleteMessage(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(req.Args), 10, 64)
	if err != nil {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
			"D takes a message number.")}, nil
	}
	sender, err := req.Env.DB.Messages.Sender(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
			fmt.Sprintf("No message #%d.", id))}, nil
	}
	if err != nil {
		return nil, err
	}
	// Own messages always; others' only with delete rights.
	if sender != req.User.Username &&
		!req.Env.Authorizer.IsAllowed(bbs.ActionDeleteMessage, req.User, req.Room) {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrPermissionDenied,
			"You can only delete your own messages.")}, nil
	}
	if err := req.Env.DB.Messages.Delete(ctx, id); err != nil {
		return nil, err
	}
	return reply(req.Session.ID, fmt.Sprintf("Message #%d deleted.", id)), nil
}

// -------------------------------------------------------------------------
// Users & sessions
// -------------------------------------------------------------------------

func runWho(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	sessions := req.Env.Sessions.ListActive()
	var names []string
	for _, s := range sessions {
		if s.LoggedIn && s.Username != "" {
			names = append(names, s.Username)
		}
	}
	if len(names) == 0 {
		return reply(req.Session.ID, "Nobody else is connected."), nil
	}
	sort.Strings(names)
	return reply(req.Session.ID, "Connected: "+strings.Join(names, ", ")), nil
}

func runBlockUser(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	target := strings.TrimSpace(req.Args)
	if target == "" {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
			"Block whom? B <user>.")}, nil
	}
	if target == req.User.Username {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
			"You cannot block yourself.")}, nil
	}
	exists, err := req.Env.DB.Users.UsernameExists(ctx, target)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidUsername,
			fmt.Sprintf("No such user: %s", target))}, nil
	}

	blocked, err := req.Env.DB.Users.IsBlocked(ctx, req.User.Username, target)
	if err != nil {
		return nil, err
	}
	if blocked {
		if err := req.Env.DB.Users.Unblock(ctx, req.User.Username, target); err != nil {
			return nil, err
		}
		return reply(req.Session.ID, fmt.Sprintf("%s unblocked.", target)), nil
	}
	if err := req.Env.DB.Users.Block(ctx, req.User.Username, target); err != nil {
		return nil, err
	}
	return reply(req.Session.ID, fmt.Sprintf("%s blocked.", target)), nil
}

func runQuit(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	if req.Session.NodeID != "" {
		if err := req.Env.NodeAuth.Clear(ctx, req.Session.NodeID); err != nil {
			return nil, err
		}
	}
	// The session may already be gone if the sweeper got there first.
	if err := req.Env.Sessions.Expire(req.Session.ID); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		return nil, err
	}
	return reply(req.Session.ID,
		fmt.Sprintf("Goodbye, %s.", req.User.Username)), nil
}

func runCancel(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	// Reaching here means no workflow is attached (otherwise the input
	// would have been routed to it).
	return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrNoWorkflow,
		"Nothing to cancel.")}, nil
}

// -------------------------------------------------------------------------
// Workflow launchers
// -------------------------------------------------------------------------

func runValidateUsers(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	return req.Env.Workflows.Start(ctx, req.Session.ID, workflow.KindValidateUsers), nil
}

func runCreateRoom(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	msgs := req.Env.Workflows.Start(ctx, req.Session.ID, workflow.KindCreateRoom)
	if req.Args == "" {
		return msgs, nil
	}
	// A name on the command line answers the first prompt directly.
	return req.Env.Workflows.HandleInput(ctx, req.Session.ID, req.Args), nil
}

func runEditUser(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	data := map[string]any{}
	if target := strings.TrimSpace(req.Args); target != "" {
		data["target"] = target
	}
	return req.Env.Workflows.StartWithData(ctx, req.Session.ID, workflow.KindEditUser, data), nil
}

func runEditRoom(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	fields := strings.Fields(req.Args)
	if len(fields) < 2 {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
			".ER <room> [ro|rw] [level=<lvl>] [desc=<text>]")}, nil
	}
	room, err := req.Env.DB.Rooms.GoToRoom(ctx, fields[0])
	if errors.Is(err, storage.ErrNotFound) {
		return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidRoomName,
			fmt.Sprintf("No such room: %s", fields[0]))}, nil
	}
	if err != nil {
		return nil, err
	}

	desc := room.Description
	readOnly := room.ReadOnly
	minLevel := room.MinLevel
	for i, f := range fields[1:] {
		switch {
		case f == "ro":
			readOnly = true
		case f == "rw":
			readOnly = false
		case strings.HasPrefix(f, "level="):
			lvl, ok := bbs.ParsePermissionLevel(strings.TrimPrefix(f, "level="))
			if !ok {
				return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
					"Levels: unverified, twit, user, aide, sysop.")}, nil
			}
			minLevel = lvl
		case strings.HasPrefix(f, "desc="):
			// desc= consumes the rest of the line.
			desc = strings.TrimPrefix(strings.Join(fields[1+i:], " "), "desc=")
		default:
			return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrInvalidCommand,
				fmt.Sprintf("Unknown attribute: %s", f))}, nil
		}
		if strings.HasPrefix(f, "desc=") {
			break
		}
	}

	if err := req.Env.DB.Rooms.SetAttrs(ctx, room.ID, desc, readOnly, minLevel); err != nil {
		return nil, err
	}
	return reply(req.Session.ID, fmt.Sprintf("%s updated.", room.Name)), nil
}

// -------------------------------------------------------------------------
// Help
// -------------------------------------------------------------------------

var categoryOrder = []Category{
	CategoryCommon, CategoryUncommon, CategoryUnusual, CategoryAide, CategorySysop,
}

var categoryTitle = map[Category]string{
	CategoryCommon:   "Common",
	CategoryUncommon: "Uncommon",
	CategoryUnusual:  "Unusual",
	CategoryAide:     "Aide",
	CategorySysop:    "Sysop",
}

func runHelp(ctx context.Context, req *Request) ([]bbs.ToUser, error) {
	reg := req.Env.Registry
	if code := strings.TrimSpace(req.Args); code != "" {
		cmd, ok := reg.Lookup(code)
		if !ok {
			return []bbs.ToUser{bbs.Errorf(req.Session.ID, bbs.ErrUnknownCommand,
				fmt.Sprintf("No such command: %s", code))}, nil
		}
		text := fmt.Sprintf("%s — %s", cmd.Code, cmd.Name)
		if cmd.ArgSchema != "" {
			text += " " + cmd.ArgSchema
		}
		text += "\n" + cmd.HelpText
		if cmd.Run == nil {
			text += "\n(Not implemented yet.)"
		}
		return reply(req.Session.ID, text), nil
	}

	var b strings.Builder
	b.WriteString("Commands (H <code> for detail):")
	for _, cat := range categoryOrder {
		var lines []string
		for _, cmd := range reg.All() {
			if cmd.Category != cat || cmd.MinLevel > req.User.Level {
				continue
			}
			line := fmt.Sprintf("  %-6s %s", cmd.Code, cmd.ShortText)
			if cmd.Run == nil {
				line += " (unimplemented)"
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:", categoryTitle[cat])
		for _, l := range lines {
			b.WriteString("\n" + l)
		}
	}
	return reply(req.Session.ID, b.String()), nil
}
