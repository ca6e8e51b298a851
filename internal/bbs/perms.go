package bbs

import "strings"

// -------------------------------------------------------------------------
// Permission Levels
// -------------------------------------------------------------------------

// PermissionLevel is a user's rank on the board. Levels form a total
// order: Unverified < Twit < User < Aide < Sysop.
type PermissionLevel uint8

const (
	// PermUnverified is a registered user awaiting Aide/Sysop validation.
	PermUnverified PermissionLevel = iota

	// PermTwit is a demoted user confined to the designated Twit room.
	PermTwit

	// PermUser is a validated, ordinary user.
	PermUser

	// PermAide moderates rooms and validates pending registrations.
	PermAide

	// PermSysop has full administrative control.
	PermSysop
)

// String returns the human-readable name for the permission level.
func (p PermissionLevel) String() string {
	switch p {
	case PermUnverified:
		return "Unverified"
	case PermTwit:
		return "Twit"
	case PermUser:
		return "User"
	case PermAide:
		return "Aide"
	case PermSysop:
		return "Sysop"
	default:
		return "Unknown"
	}
}

// ParsePermissionLevel maps a case-insensitive level name to its value.
// The second return is false when the name is not a known level.
func ParsePermissionLevel(name string) (PermissionLevel, bool) {
	switch strings.ToLower(name) {
	case "unverified":
		return PermUnverified, true
	case "twit":
		return PermTwit, true
	case "user":
		return PermUser, true
	case "aide":
		return PermAide, true
	case "sysop":
		return PermSysop, true
	default:
		return PermUnverified, false
	}
}

// -------------------------------------------------------------------------
// Actions
// -------------------------------------------------------------------------

// Action names an authorizable operation. Each action carries a minimum
// permission level; room-scoped actions are additionally gated by the
// room's own read/post predicates.
type Action string

// Authorizable actions.
const (
	ActionReadMessages  Action = "read_messages"
	ActionPostMessage   Action = "post_message"
	ActionDeleteMessage Action = "delete_message"
	ActionChangeRoom    Action = "change_room"
	ActionIgnoreRoom    Action = "ignore_room"
	ActionCreateRoom    Action = "create_room"
	ActionEditRoom      Action = "edit_room"
	ActionEditUser      Action = "edit_user"
	ActionValidateUsers Action = "validate_users"
	ActionBlockUser     Action = "block_user"
	ActionListUsers     Action = "list_users"
	ActionSendMail      Action = "send_mail"
)

// actionMinLevel maps each action to the minimum level that may perform it.
var actionMinLevel = map[Action]PermissionLevel{
	ActionReadMessages:  PermUnverified,
	ActionPostMessage:   PermTwit,
	ActionDeleteMessage: PermAide,
	ActionChangeRoom:    PermUnverified,
	ActionIgnoreRoom:    PermUser,
	ActionCreateRoom:    PermUser,
	ActionEditRoom:      PermSysop,
	ActionEditUser:      PermUser,
	ActionValidateUsers: PermAide,
	ActionBlockUser:     PermUser,
	ActionListUsers:     PermUnverified,
	ActionSendMail:      PermUser,
}

// MinLevel returns the minimum permission level for the action.
// Unknown actions require Sysop, failing closed.
func MinLevel(a Action) PermissionLevel {
	if lvl, ok := actionMinLevel[a]; ok {
		return lvl
	}
	return PermSysop
}

// -------------------------------------------------------------------------
// Authorizer
// -------------------------------------------------------------------------

// Authorizer evaluates the permission rules. TwitRoomID designates the
// room where Twit users may read and post; it is zero when no Twit room
// is configured.
type Authorizer struct {
	TwitRoomID int64
}

// IsAllowed reports whether user may perform action, optionally scoped to
// room (nil for room-less actions).
//
// The Twit room is special-cased symmetrically: inside it, read and post
// are open to Twit, Aide, and Sysop and closed to everyone else. Outside
// it, the user's level must meet the action's minimum and the room's own
// level gate must pass.
func (a Authorizer) IsAllowed(action Action, user *User, room *Room) bool {
	if user == nil {
		return false
	}

	if room != nil && a.TwitRoomID != 0 && room.ID == a.TwitRoomID &&
		(action == ActionReadMessages || action == ActionPostMessage) {
		return user.Level == PermTwit || user.Level >= PermAide
	}

	if user.Level < MinLevel(action) {
		return false
	}

	if room != nil {
		if user.Level < room.MinLevel {
			return false
		}
		if action == ActionPostMessage && room.ReadOnly && user.Level < PermAide {
			return false
		}
	}

	return true
}
