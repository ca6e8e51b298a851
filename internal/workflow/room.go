package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/storage"
)

// createRoomWorkflow asks for a name and splices the new room into the
// chain right after the session's current room.
type createRoomWorkflow struct{}

func (w *createRoomWorkflow) Kind() string { return KindCreateRoom }

func (w *createRoomWorkflow) Start(_ context.Context, wc *Context) ([]bbs.ToUser, error) {
	return []bbs.ToUser{wc.Reply(bbs.HintText, "Name for the new room:")}, nil
}

func validRoomName(name string) bool {
	if len(name) < 3 {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

func (w *createRoomWorkflow) Handle(ctx context.Context, wc *Context, input string) ([]bbs.ToUser, error) {
	name := strings.TrimSpace(input)
	if !validRoomName(name) {
		return []bbs.ToUser{
			wc.Fail(bbs.ErrInvalidRoomName, "Room names are 3+ printable ASCII characters."),
			wc.Reply(bbs.HintText, "Name for the new room:"),
		}, nil
	}

	if _, err := wc.DB.Rooms.GetIDByName(ctx, name); err == nil {
		return []bbs.ToUser{
			wc.Fail(bbs.ErrRoomNameTaken, fmt.Sprintf("There is already a room named %s.", name)),
			wc.Reply(bbs.HintText, "Name for the new room:"),
		}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if max := wc.Config.BBS.MaxRooms; max > 0 {
		rooms, err := wc.DB.Rooms.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(rooms) >= max {
			wc.Finish()
			return []bbs.ToUser{wc.Fail(bbs.ErrInvalidRoomName,
				"The board is at its room limit.")}, nil
		}
	}

	sess, err := wc.Sessions.Get(wc.SessionID)
	if err != nil {
		return nil, err
	}
	room, err := wc.DB.Rooms.Create(ctx, name, "", false, bbs.PermUser, sess.CurrentRoomID)
	if err != nil {
		return nil, err
	}
	if err := wc.Sessions.SetCurrentRoom(wc.SessionID, room.ID); err != nil {
		return nil, err
	}

	wc.Finish()
	return []bbs.ToUser{{
		SessionID: wc.SessionID,
		Text:      fmt.Sprintf("Room %s created. You are now in %s.", name, name),
	}}, nil
}

func (w *createRoomWorkflow) Cleanup(context.Context, *Context) error { return nil }
