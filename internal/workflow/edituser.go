package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/auth"
	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// edit_user steps.
const (
	editStepMenu    = 1
	editStepDisplay = 2
	editStepLevel   = 3
	editStepStatus  = 4
)

// editUserWorkflow is the menu-driven account editor. Ordinary users
// edit themselves; Aides and Sysops may name any target. Level and
// status edits are Aide+ only.
type editUserWorkflow struct{}

func (w *editUserWorkflow) Kind() string { return KindEditUser }

func (w *editUserWorkflow) Start(ctx context.Context, wc *Context) ([]bbs.ToUser, error) {
	actor, err := wc.User(ctx)
	if err != nil {
		return nil, err
	}

	target := wc.State.StringData("target")
	if target == "" {
		target = actor.Username
		wc.State.Data["target"] = target
	}
	if target != actor.Username && actor.Level < bbs.PermAide {
		wc.Finish()
		return []bbs.ToUser{wc.Fail(bbs.ErrPermissionDenied,
			"Only Aides may edit other users.")}, nil
	}
	if _, err := wc.DB.Users.Load(ctx, target); err != nil {
		wc.Finish()
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidUsername,
			fmt.Sprintf("No such user: %s", target))}, nil
	}

	wc.State.Step = editStepMenu
	return w.menu(ctx, wc, nil)
}

func (w *editUserWorkflow) menu(ctx context.Context, wc *Context, preamble []bbs.ToUser) ([]bbs.ToUser, error) {
	target, err := wc.DB.Users.Load(ctx, wc.State.StringData("target"))
	if err != nil {
		return nil, err
	}
	actor, err := wc.User(ctx)
	if err != nil {
		return nil, err
	}

	lines := []string{
		fmt.Sprintf("Editing %s (%s), level %s, status %s.",
			target.Username, target.DisplayName, target.Level, target.Status),
		"(D)isplay name",
	}
	if actor.Level >= bbs.PermAide {
		lines = append(lines, "(P)ermission level", "(S)tatus")
	}
	lines = append(lines, "(R)eset password", "(Q)uit")

	wc.State.Step = editStepMenu
	return append(preamble, wc.Reply(bbs.HintMenu, strings.Join(lines, "\n"))), nil
}

func (w *editUserWorkflow) Handle(ctx context.Context, wc *Context, input string) ([]bbs.ToUser, error) {
	switch wc.State.Step {
	case editStepMenu:
		return w.handleMenu(ctx, wc, strings.ToUpper(strings.TrimSpace(input)))
	case editStepDisplay:
		return w.handleDisplay(ctx, wc, strings.TrimSpace(input))
	case editStepLevel:
		return w.handleLevel(ctx, wc, strings.TrimSpace(input))
	case editStepStatus:
		return w.handleStatus(ctx, wc, strings.ToLower(strings.TrimSpace(input)))
	default:
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidStep,
			fmt.Sprintf("User editing is confused (step %d). Type 'cancel' and start over.", wc.State.Step))}, nil
	}
}

func (w *editUserWorkflow) handleMenu(ctx context.Context, wc *Context, choice string) ([]bbs.ToUser, error) {
	actor, err := wc.User(ctx)
	if err != nil {
		return nil, err
	}

	switch choice {
	case "D":
		wc.State.Step = editStepDisplay
		return []bbs.ToUser{wc.Reply(bbs.HintText, "New display name:")}, nil
	case "P":
		if actor.Level < bbs.PermAide {
			return []bbs.ToUser{wc.Fail(bbs.ErrPermissionDenied, "Aides only.")}, nil
		}
		wc.State.Step = editStepLevel
		return []bbs.ToUser{wc.Reply(bbs.HintChoice,
			"New level (unverified, twit, user, aide, sysop):")}, nil
	case "S":
		if actor.Level < bbs.PermAide {
			return []bbs.ToUser{wc.Fail(bbs.ErrPermissionDenied, "Aides only.")}, nil
		}
		wc.State.Step = editStepStatus
		return []bbs.ToUser{wc.Reply(bbs.HintChoice,
			"New status (active, disabled):")}, nil
	case "R":
		return wc.Switch(ctx, KindResetPassword,
			map[string]any{"target": wc.State.StringData("target")})
	case "Q":
		wc.Finish()
		return []bbs.ToUser{{SessionID: wc.SessionID, Text: "Done editing."}}, nil
	default:
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidCommand, "Pick a menu letter.")}, nil
	}
}

func (w *editUserWorkflow) handleDisplay(ctx context.Context, wc *Context, display string) ([]bbs.ToUser, error) {
	if display == "" {
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidCommand, "Display name cannot be empty.")}, nil
	}
	target := wc.State.StringData("target")
	if err := wc.DB.Users.SetDisplayName(ctx, target, display); err != nil {
		return nil, err
	}
	return w.menu(ctx, wc, []bbs.ToUser{{SessionID: wc.SessionID, Text: "Display name updated."}})
}

func (w *editUserWorkflow) handleLevel(ctx context.Context, wc *Context, name string) ([]bbs.ToUser, error) {
	level, ok := bbs.ParsePermissionLevel(name)
	if !ok {
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidCommand,
			"Levels: unverified, twit, user, aide, sysop.")}, nil
	}
	actor, err := wc.User(ctx)
	if err != nil {
		return nil, err
	}
	if level > actor.Level {
		return []bbs.ToUser{wc.Fail(bbs.ErrPermissionDenied,
			"You cannot grant a level above your own.")}, nil
	}
	target := wc.State.StringData("target")
	if err := wc.DB.Users.SetPermissionLevel(ctx, target, level); err != nil {
		return nil, err
	}
	return w.menu(ctx, wc, []bbs.ToUser{{SessionID: wc.SessionID,
		Text: fmt.Sprintf("Level set to %s.", level)}})
}

func (w *editUserWorkflow) handleStatus(ctx context.Context, wc *Context, name string) ([]bbs.ToUser, error) {
	var status bbs.UserStatus
	switch name {
	case "active":
		status = bbs.StatusActive
	case "disabled":
		status = bbs.StatusDisabled
	default:
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidCommand,
			"Statuses: active, disabled.")}, nil
	}
	target := wc.State.StringData("target")
	if err := wc.DB.Users.SetStatus(ctx, target, status); err != nil {
		return nil, err
	}
	return w.menu(ctx, wc, []bbs.ToUser{{SessionID: wc.SessionID,
		Text: fmt.Sprintf("Status set to %s.", status)}})
}

func (w *editUserWorkflow) Cleanup(context.Context, *Context) error { return nil }

// -------------------------------------------------------------------------
// reset_password
// -------------------------------------------------------------------------

// resetPasswordWorkflow sets a new password for the target in
// State.Data["target"] (defaulting to the acting user).
type resetPasswordWorkflow struct{}

func (w *resetPasswordWorkflow) Kind() string { return KindResetPassword }

func (w *resetPasswordWorkflow) Start(ctx context.Context, wc *Context) ([]bbs.ToUser, error) {
	if wc.State.StringData("target") == "" {
		sess, err := wc.Sessions.Get(wc.SessionID)
		if err != nil {
			return nil, err
		}
		wc.State.Data["target"] = sess.Username
	}
	return []bbs.ToUser{wc.Reply(bbs.HintPassword,
		fmt.Sprintf("New password for %s:", wc.State.StringData("target")))}, nil
}

func (w *resetPasswordWorkflow) Handle(ctx context.Context, wc *Context, input string) ([]bbs.ToUser, error) {
	if len(input) < minPasswordLen {
		return []bbs.ToUser{
			wc.Fail(bbs.ErrInvalidPassword,
				fmt.Sprintf("Passwords are at least %d characters.", minPasswordLen)),
			wc.Reply(bbs.HintPassword, "New password:"),
		}, nil
	}
	hash, salt, err := auth.HashPassword(input)
	if err != nil {
		return nil, err
	}
	target := wc.State.StringData("target")
	if err := wc.DB.Users.UpdatePassword(ctx, target, hash, salt); err != nil {
		return nil, err
	}
	wc.Finish()
	return []bbs.ToUser{{SessionID: wc.SessionID,
		Text: fmt.Sprintf("Password updated for %s.", target)}}, nil
}

func (w *resetPasswordWorkflow) Cleanup(context.Context, *Context) error { return nil }
