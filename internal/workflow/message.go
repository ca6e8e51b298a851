package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// enter_message steps.
const (
	msgStepRecipient = 1
	msgStepBody      = 2
)

// bodyTerminator ends message entry when alone on a line.
const bodyTerminator = "."

// enterMessageWorkflow collects a message line by line and posts it to
// the session's current room. In the Mail room a recipient is collected
// first.
type enterMessageWorkflow struct{}

func (w *enterMessageWorkflow) Kind() string { return KindEnterMessage }

func (w *enterMessageWorkflow) Start(ctx context.Context, wc *Context) ([]bbs.ToUser, error) {
	sess, err := wc.Sessions.Get(wc.SessionID)
	if err != nil {
		return nil, err
	}
	room, err := wc.DB.Rooms.Load(ctx, sess.CurrentRoomID)
	if err != nil {
		wc.Finish()
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidCommand,
			"You are not in a room. Use C or G first.")}, nil
	}

	if room.Name == bbs.MailRoomName {
		wc.State.Step = msgStepRecipient
		return []bbs.ToUser{wc.Reply(bbs.HintText, "To whom?")}, nil
	}
	wc.State.Step = msgStepBody
	return []bbs.ToUser{wc.Reply(bbs.HintText,
		"Enter your message. End with a single '.' on its own line.")}, nil
}

func (w *enterMessageWorkflow) Handle(ctx context.Context, wc *Context, input string) ([]bbs.ToUser, error) {
	switch wc.State.Step {
	case msgStepRecipient:
		return w.handleRecipient(ctx, wc, strings.TrimSpace(input))
	case msgStepBody:
		return w.handleBody(ctx, wc, input)
	default:
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidStep,
			fmt.Sprintf("Message entry is confused (step %d). Type 'cancel' and start over.", wc.State.Step))}, nil
	}
}

func (w *enterMessageWorkflow) handleRecipient(ctx context.Context, wc *Context, recipient string) ([]bbs.ToUser, error) {
	if recipient == "" {
		return []bbs.ToUser{
			wc.Fail(bbs.ErrMissingRecipient, "Mail needs a recipient."),
			wc.Reply(bbs.HintText, "To whom?"),
		}, nil
	}
	exists, err := wc.DB.Users.UsernameExists(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []bbs.ToUser{
			wc.Fail(bbs.ErrInvalidRecipient, fmt.Sprintf("No such user: %s", recipient)),
			wc.Reply(bbs.HintText, "To whom?"),
		}, nil
	}
	wc.State.Data["recipient"] = recipient
	wc.State.Step = msgStepBody
	return []bbs.ToUser{wc.Reply(bbs.HintText,
		"Enter your message. End with a single '.' on its own line.")}, nil
}

func (w *enterMessageWorkflow) handleBody(ctx context.Context, wc *Context, line string) ([]bbs.ToUser, error) {
	if strings.TrimSpace(line) != bodyTerminator {
		lines, _ := wc.State.Data["lines"].([]string)
		wc.State.Data["lines"] = append(lines, line)
		// No per-line echo over the radio; the terminator ends entry.
		return nil, nil
	}

	lines, _ := wc.State.Data["lines"].([]string)
	body := strings.TrimSpace(strings.Join(lines, "\n"))
	if body == "" {
		wc.Finish()
		return []bbs.ToUser{{SessionID: wc.SessionID, Text: "Empty message discarded."}}, nil
	}

	sess, err := wc.Sessions.Get(wc.SessionID)
	if err != nil {
		return nil, err
	}
	room, err := wc.DB.Rooms.Load(ctx, sess.CurrentRoomID)
	if err != nil {
		return nil, err
	}

	limit := wc.Config.BBS.MaxMessagesPerRoom
	if room.Name == bbs.MailRoomName && wc.Config.BBS.MailMessageLimit > 0 {
		limit = wc.Config.BBS.MailMessageLimit
	}

	id, err := wc.DB.Rooms.PostMessage(ctx, room.ID, sess.Username,
		wc.State.StringData("recipient"), body, limit)
	if err != nil {
		return nil, err
	}
	// The author has read their own message.
	wc.DB.Rooms.MarkRead(ctx, sess.Username, room.ID, id)

	wc.Finish()
	return []bbs.ToUser{{
		SessionID: wc.SessionID,
		Text:      fmt.Sprintf("Message #%d posted to %s.", id, room.Name),
	}}, nil
}

// Cleanup discards the draft; nothing was written before posting.
func (w *enterMessageWorkflow) Cleanup(context.Context, *Context) error { return nil }
