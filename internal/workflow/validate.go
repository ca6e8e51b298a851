package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// validateUsersWorkflow walks the pending-validation queue with
// single-keystroke decisions: approve, reject, skip, quit.
type validateUsersWorkflow struct{}

func (w *validateUsersWorkflow) Kind() string { return KindValidateUsers }

func (w *validateUsersWorkflow) Start(ctx context.Context, wc *Context) ([]bbs.ToUser, error) {
	pending, err := wc.DB.Validations.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		wc.Finish()
		return []bbs.ToUser{{SessionID: wc.SessionID,
			Text: "No registrations pending validation."}}, nil
	}
	wc.State.Data["pending"] = pending
	wc.State.Data["index"] = 0
	return w.present(ctx, wc, nil)
}

// present shows the candidate at the current index, prefixing any
// preamble messages.
func (w *validateUsersWorkflow) present(ctx context.Context, wc *Context, preamble []bbs.ToUser) ([]bbs.ToUser, error) {
	pending, _ := wc.State.Data["pending"].([]string)
	idx := wc.State.IntData("index")

	for idx < len(pending) {
		username := pending[idx]
		user, err := wc.DB.Users.Load(ctx, username)
		if err != nil {
			// Deleted since the queue was loaded; drop the stale entry.
			wc.DB.Validations.Delete(ctx, username)
			idx++
			wc.State.Data["index"] = idx
			continue
		}
		text := fmt.Sprintf("Pending: %s (%s), level %s, status %s.\n(A)pprove, (R)eject, (S)kip, (Q)uit?",
			user.Username, user.DisplayName, user.Level, user.Status)
		return append(preamble, wc.Reply(bbs.HintChoice, text)), nil
	}

	wc.Finish()
	return append(preamble, bbs.ToUser{SessionID: wc.SessionID,
		Text: "No more pending validations."}), nil
}

func (w *validateUsersWorkflow) Handle(ctx context.Context, wc *Context, input string) ([]bbs.ToUser, error) {
	pending, _ := wc.State.Data["pending"].([]string)
	idx := wc.State.IntData("index")
	if idx >= len(pending) {
		wc.Finish()
		return []bbs.ToUser{{SessionID: wc.SessionID,
			Text: "No more pending validations."}}, nil
	}
	username := pending[idx]

	var note bbs.ToUser
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "A":
		if err := wc.DB.Users.SetPermissionLevel(ctx, username, bbs.PermUser); err != nil {
			return nil, err
		}
		if err := wc.DB.Validations.Delete(ctx, username); err != nil {
			return nil, err
		}
		note = bbs.ToUser{SessionID: wc.SessionID,
			Text: fmt.Sprintf("%s approved.", username)}
	case "R":
		if err := wc.DB.Users.Delete(ctx, username); err != nil {
			return nil, err
		}
		if err := wc.DB.Validations.Delete(ctx, username); err != nil {
			return nil, err
		}
		note = bbs.ToUser{SessionID: wc.SessionID,
			Text: fmt.Sprintf("%s rejected and removed.", username)}
	case "S":
		note = bbs.ToUser{SessionID: wc.SessionID,
			Text: fmt.Sprintf("%s skipped.", username)}
	case "Q":
		wc.Finish()
		return []bbs.ToUser{{SessionID: wc.SessionID,
			Text: "Validation review ended."}}, nil
	default:
		return []bbs.ToUser{
			wc.Fail(bbs.ErrInvalidCommand, "A, R, S, or Q."),
		}, nil
	}

	wc.State.Data["index"] = idx + 1
	return w.present(ctx, wc, []bbs.ToUser{note})
}

func (w *validateUsersWorkflow) Cleanup(context.Context, *Context) error { return nil }
