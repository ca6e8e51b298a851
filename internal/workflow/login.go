package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/auth"
	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/storage"
)

// Login steps.
const (
	loginStepUsername = 1
	loginStepPassword = 2
)

// maxLoginAttempts blocks the dialogue after this many failures.
const maxLoginAttempts = 3

// newUserWord at the username prompt jumps into registration.
const newUserWord = "new"

// loginWorkflow authenticates a session: username, password, three
// strikes.
type loginWorkflow struct{}

func (w *loginWorkflow) Kind() string { return KindLogin }

func (w *loginWorkflow) Start(_ context.Context, wc *Context) ([]bbs.ToUser, error) {
	wc.State.Step = loginStepUsername
	return []bbs.ToUser{wc.Reply(bbs.HintText,
		"Enter your username:")}, nil
}

func (w *loginWorkflow) Handle(ctx context.Context, wc *Context, input string) ([]bbs.ToUser, error) {
	switch wc.State.Step {
	case loginStepUsername:
		return w.handleUsername(ctx, wc, strings.TrimSpace(input))
	case loginStepPassword:
		return w.handlePassword(ctx, wc, input)
	default:
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidStep,
			fmt.Sprintf("Login is confused (step %d). Type 'cancel' and start over.", wc.State.Step))}, nil
	}
}

func (w *loginWorkflow) handleUsername(ctx context.Context, wc *Context, username string) ([]bbs.ToUser, error) {
	if strings.EqualFold(username, newUserWord) {
		return wc.Switch(ctx, KindRegisterUser, nil)
	}

	exists, err := wc.DB.Users.UsernameExists(ctx, username)
	if err != nil {
		return nil, err
	}
	if !exists {
		if msgs, blocked := w.strike(wc); blocked {
			return msgs, nil
		}
		return []bbs.ToUser{
			wc.Fail(bbs.ErrInvalidUsername, "No such user."),
			wc.Reply(bbs.HintText, "Enter your username:"),
		}, nil
	}

	wc.State.Data["username"] = username
	wc.State.Step = loginStepPassword
	// Half-bind the username so Cleanup can undo it if the dialogue is
	// abandoned before the password check.
	if err := wc.Sessions.MarkUsername(wc.SessionID, username); err != nil {
		return nil, err
	}
	return []bbs.ToUser{wc.Reply(bbs.HintPassword, "Enter your password:")}, nil
}

func (w *loginWorkflow) handlePassword(ctx context.Context, wc *Context, password string) ([]bbs.ToUser, error) {
	username := wc.State.StringData("username")

	hash, salt, err := wc.DB.Users.Credentials(ctx, username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	ok := err == nil && auth.VerifyPassword(password, hash, salt)
	if ok {
		user, err := wc.DB.Users.Load(ctx, username)
		if err != nil {
			return nil, err
		}
		if user.Status == bbs.StatusDisabled {
			ok = false
		}
	}

	if !ok {
		if msgs, blocked := w.strike(wc); blocked {
			return msgs, nil
		}
		wc.State.Step = loginStepUsername
		delete(wc.State.Data, "username")
		wc.Sessions.MarkUsername(wc.SessionID, "")
		return []bbs.ToUser{
			wc.Fail(bbs.ErrLoginFailed, "Login incorrect."),
			wc.Reply(bbs.HintText, "Enter your username:"),
		}, nil
	}

	return completeLogin(ctx, wc, username)
}

// strike counts a failed attempt, returning the block response when the
// limit is reached.
func (w *loginWorkflow) strike(wc *Context) ([]bbs.ToUser, bool) {
	attempts := wc.State.IntData("attempts") + 1
	wc.State.Data["attempts"] = attempts
	if attempts < maxLoginAttempts {
		return nil, false
	}
	wc.Sessions.MarkUsername(wc.SessionID, "")
	wc.Finish()
	return []bbs.ToUser{wc.Fail(bbs.ErrLoginBlocked,
		"Too many failed login attempts. Try again later.")}, true
}

// Cleanup unbinds a half-bound username. A fully logged-in session keeps
// its binding.
func (w *loginWorkflow) Cleanup(_ context.Context, wc *Context) error {
	sess, err := wc.Sessions.Get(wc.SessionID)
	if err != nil {
		return nil
	}
	if !sess.LoggedIn {
		return wc.Sessions.MarkUsername(wc.SessionID, "")
	}
	return nil
}

// completeLogin finalizes authentication for login and registration:
// bind the username, mark logged in, seed the password cache for the
// node, and land the session in the starting room.
func completeLogin(ctx context.Context, wc *Context, username string) ([]bbs.ToUser, error) {
	if err := wc.Sessions.MarkUsername(wc.SessionID, username); err != nil {
		return nil, err
	}
	if err := wc.Sessions.MarkLoggedIn(wc.SessionID); err != nil {
		return nil, err
	}

	sess, err := wc.Sessions.Get(wc.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.NodeID != "" {
		if err := wc.DB.PasswordCache.Touch(ctx, username, sess.NodeID); err != nil {
			wc.Logger.Warn("password cache touch failed",
				slog.String("node_id", sess.NodeID),
				slog.String("error", err.Error()),
			)
		}
	}

	if start := wc.Config.BBS.StartingRoom; start != "" {
		if id, err := wc.DB.Rooms.GetIDByName(ctx, start); err == nil {
			wc.Sessions.SetCurrentRoom(wc.SessionID, id)
		}
	}

	wc.Finish()
	return []bbs.ToUser{{
		SessionID: wc.SessionID,
		Text:      fmt.Sprintf("Welcome, %s! You are now logged in.", username),
	}}, nil
}
