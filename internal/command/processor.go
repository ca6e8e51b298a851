package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meshcitadel/meshcitadel/internal/auth"
	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/session"
	"github.com/meshcitadel/meshcitadel/internal/storage"
	"github.com/meshcitadel/meshcitadel/internal/workflow"
)

// Env bundles the collaborators every command handler may touch. One Env
// serves the whole daemon.
type Env struct {
	DB         *storage.DB
	Config     *config.Config
	Sessions   *session.Manager
	Workflows  *workflow.Engine
	Authorizer bbs.Authorizer
	Logger     *slog.Logger

	// NodeAuth owns the per-node password cache. Filled in by
	// NewProcessor when unset.
	NodeAuth *auth.NodeAuthenticator

	// Registry is set by NewProcessor so handlers (help) can read the
	// command table.
	Registry *Registry
}

// Request is the per-dispatch context handed to a command's Run func.
// Room is nil when the session has no current room.
type Request struct {
	Env     *Env
	Session session.Session
	User    *bbs.User
	Room    *bbs.Room
	Args    string
}

// RunFunc executes one command.
type RunFunc func(ctx context.Context, req *Request) ([]bbs.ToUser, error)

// Processor validates, authorizes, and dispatches inbound requests.
type Processor struct {
	env    *Env
	reg    *Registry
	logger *slog.Logger
}

// NewProcessor builds a processor over the registry.
func NewProcessor(env *Env, reg *Registry) *Processor {
	env.Registry = reg
	if env.NodeAuth == nil {
		env.NodeAuth = auth.NewNodeAuthenticator(env.DB,
			env.Config.Auth.PasswordCacheDuration, env.Logger)
	}
	return &Processor{
		env:    env,
		reg:    reg,
		logger: env.Logger.With(slog.String("component", "command")),
	}
}

// Registry exposes the command table, e.g. for the router's parser.
func (p *Processor) Registry() *Registry { return p.reg }

// Process handles one inbound request end to end. It never returns an
// empty slice for command payloads; workflow delegation may return
// nothing (silent accumulation steps).
func (p *Processor) Process(ctx context.Context, in bbs.FromUser) (out []bbs.ToUser) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("command handler panic",
				slog.String("session_id", in.SessionID),
				slog.Any("panic", r),
			)
			out = []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrInternal,
				"Something went wrong. Please try again.")}
		}
	}()

	if !p.env.Sessions.Validate(in.SessionID) {
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrInvalidSession,
			"Session expired. Transmit anything to reconnect.")}
	}
	p.env.Sessions.Touch(in.SessionID)

	sess, err := p.env.Sessions.Get(in.SessionID)
	if err != nil {
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrInvalidSession,
			"Session expired. Transmit anything to reconnect.")}
	}

	// An attached workflow consumes every input, parsed or not.
	if sess.Workflow != nil || in.Type == bbs.PayloadWorkflowResponse {
		return p.env.Workflows.HandleInput(ctx, in.SessionID, in.Raw)
	}

	if in.Command == nil {
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrUnknownCommand,
			"Unknown command. H for help.")}
	}
	cmd, ok := p.reg.Lookup(in.Command.Code)
	if !ok {
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrUnknownCommand,
			"Unknown command. H for help.")}
	}

	if sess.Username == "" {
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrNoSession,
			"You are not logged in.")}
	}
	user, err := p.env.DB.Users.Load(ctx, sess.Username)
	if err != nil {
		p.logger.Error("acting user load failed",
			slog.String("username", sess.Username),
			slog.String("error", err.Error()),
		)
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrInternal,
			"Something went wrong. Please try again.")}
	}

	var room *bbs.Room
	if sess.CurrentRoomID != 0 {
		room, err = p.env.DB.Rooms.Load(ctx, sess.CurrentRoomID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrInternal,
				"Something went wrong. Please try again.")}
		}
	}

	if user.Level < cmd.MinLevel {
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrPermissionDenied,
			"You do not have permission to do that.")}
	}
	if cmd.Action != "" && !p.env.Authorizer.IsAllowed(cmd.Action, user, room) {
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrPermissionDenied,
			"You do not have permission to do that here.")}
	}

	if cmd.Run == nil {
		return []bbs.ToUser{{
			SessionID: in.SessionID,
			Text:      fmt.Sprintf("%s is not implemented yet.", cmd.Name),
		}}
	}

	req := &Request{
		Env:     p.env,
		Session: sess,
		User:    user,
		Room:    room,
		Args:    in.Command.Args,
	}
	msgs, err := cmd.Run(ctx, req)
	if err != nil {
		p.logger.Error("command failed",
			slog.String("code", cmd.Code),
			slog.String("username", user.Username),
			slog.String("error", err.Error()),
		)
		return []bbs.ToUser{bbs.Errorf(in.SessionID, bbs.ErrInternal,
			"Something went wrong. Please try again.")}
	}
	return msgs
}
