// Package workflow implements the multi-step interactive dialogues a
// session can enter: login, registration, message entry, room creation,
// user validation, and user editing. While a workflow is attached to a
// session, every inbound line is routed here instead of the command
// dispatcher.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/session"
	"github.com/meshcitadel/meshcitadel/internal/storage"
)

// Workflow kinds.
const (
	KindLogin         = "login"
	KindRegisterUser  = "register_user"
	KindEnterMessage  = "enter_message"
	KindCreateRoom    = "create_room"
	KindValidateUsers = "validate_users"
	KindEditUser      = "edit_user"
	KindResetPassword = "reset_password"
)

// cancelWord aborts any workflow from any step.
const cancelWord = "cancel"

// Workflow is one multi-step dialogue. Implementations mutate wc.State
// to advance; the state object is owned by the session manager.
type Workflow interface {
	// Kind returns the registry key.
	Kind() string

	// Start opens the dialogue and returns the first prompt.
	Start(ctx context.Context, wc *Context) ([]bbs.ToUser, error)

	// Handle consumes one line of user input.
	Handle(ctx context.Context, wc *Context, input string) ([]bbs.ToUser, error)

	// Cleanup undoes partial side effects on cancellation. It is not
	// called after normal completion.
	Cleanup(ctx context.Context, wc *Context) error
}

// Context is the per-invocation environment handed to workflow steps.
type Context struct {
	SessionID string
	DB        *storage.DB
	Config    *config.Config
	Sessions  *session.Manager
	State     *bbs.WorkflowState
	Logger    *slog.Logger

	engine *Engine
}

// Switch abandons the current workflow (without Cleanup) and starts
// another, carrying data forward.
func (wc *Context) Switch(ctx context.Context, kind string, data map[string]any) ([]bbs.ToUser, error) {
	return wc.engine.startWith(ctx, wc.SessionID, kind, data)
}

// Finish clears the session's workflow pointer. Workflows call it on
// normal completion.
func (wc *Context) Finish() {
	if err := wc.Sessions.ClearWorkflow(wc.SessionID); err != nil {
		wc.Logger.Warn("clear workflow failed",
			slog.String("session_id", wc.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

// Reply builds a plain response with interaction hints for the current
// step.
func (wc *Context) Reply(hint bbs.HintType, text string) bbs.ToUser {
	return bbs.ToUser{
		SessionID: wc.SessionID,
		Text:      text,
		Hints: &bbs.Hints{
			Type:     hint,
			Workflow: wc.State.Kind,
			Step:     wc.State.Step,
		},
	}
}

// Fail builds an error response that keeps the workflow attached.
func (wc *Context) Fail(code bbs.ErrorCode, text string) bbs.ToUser {
	return bbs.Errorf(wc.SessionID, code, text)
}

// User loads the acting user bound to the session.
func (wc *Context) User(ctx context.Context) (*bbs.User, error) {
	sess, err := wc.Sessions.Get(wc.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Username == "" {
		return nil, fmt.Errorf("session %s has no bound user", wc.SessionID)
	}
	return wc.DB.Users.Load(ctx, sess.Username)
}

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// Engine is the workflow registry and dispatcher. Built once at startup
// and passed by reference; there is no global registry.
type Engine struct {
	db        *storage.DB
	cfg       *config.Config
	sessions  *session.Manager
	logger    *slog.Logger
	workflows map[string]Workflow
}

// NewEngine builds the engine with every built-in workflow registered.
func NewEngine(db *storage.DB, cfg *config.Config, sessions *session.Manager, logger *slog.Logger) *Engine {
	e := &Engine{
		db:        db,
		cfg:       cfg,
		sessions:  sessions,
		logger:    logger.With(slog.String("component", "workflow")),
		workflows: make(map[string]Workflow),
	}
	e.Register(&loginWorkflow{})
	e.Register(&registerWorkflow{})
	e.Register(&enterMessageWorkflow{})
	e.Register(&createRoomWorkflow{})
	e.Register(&validateUsersWorkflow{})
	e.Register(&editUserWorkflow{})
	e.Register(&resetPasswordWorkflow{})
	return e
}

// Register adds a workflow to the registry.
func (e *Engine) Register(w Workflow) {
	e.workflows[w.Kind()] = w
}

// Start attaches a workflow to the session and returns its first prompt.
func (e *Engine) Start(ctx context.Context, sessionID, kind string) []bbs.ToUser {
	msgs, err := e.startWith(ctx, sessionID, kind, nil)
	if err != nil {
		return e.systemError(sessionID, kind, err)
	}
	return msgs
}

// StartWithData attaches a workflow seeded with initial data (e.g. the
// edit target).
func (e *Engine) StartWithData(ctx context.Context, sessionID, kind string, data map[string]any) []bbs.ToUser {
	msgs, err := e.startWith(ctx, sessionID, kind, data)
	if err != nil {
		return e.systemError(sessionID, kind, err)
	}
	return msgs
}

func (e *Engine) startWith(ctx context.Context, sessionID, kind string, data map[string]any) ([]bbs.ToUser, error) {
	w, ok := e.workflows[kind]
	if !ok {
		return []bbs.ToUser{bbs.Errorf(sessionID, bbs.ErrWorkflowNotFound,
			fmt.Sprintf("No such workflow: %s", kind))}, nil
	}

	state := bbs.NewWorkflowState(kind)
	for k, v := range data {
		state.Data[k] = v
	}
	if err := e.sessions.SetWorkflow(sessionID, state); err != nil {
		return nil, err
	}
	return w.Start(ctx, e.contextFor(sessionID, state))
}

// HandleInput delivers one line to the session's attached workflow. The
// literal "cancel" aborts from any step.
func (e *Engine) HandleInput(ctx context.Context, sessionID, input string) []bbs.ToUser {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return []bbs.ToUser{bbs.Errorf(sessionID, bbs.ErrInvalidSession, "Session expired.")}
	}
	if sess.Workflow == nil {
		return []bbs.ToUser{bbs.Errorf(sessionID, bbs.ErrNoWorkflow, "No workflow in progress.")}
	}

	if strings.EqualFold(strings.TrimSpace(input), cancelWord) {
		return e.Cancel(ctx, sessionID)
	}

	w, ok := e.workflows[sess.Workflow.Kind]
	if !ok {
		e.sessions.ClearWorkflow(sessionID)
		return []bbs.ToUser{bbs.Errorf(sessionID, bbs.ErrWorkflowNotFound,
			fmt.Sprintf("No such workflow: %s", sess.Workflow.Kind))}
	}

	msgs, err := w.Handle(ctx, e.contextFor(sessionID, sess.Workflow), input)
	if err != nil {
		return e.systemError(sessionID, sess.Workflow.Kind, err)
	}
	return msgs
}

// Cancel aborts the session's workflow, running its Cleanup.
func (e *Engine) Cancel(ctx context.Context, sessionID string) []bbs.ToUser {
	sess, err := e.sessions.Get(sessionID)
	if err != nil || sess.Workflow == nil {
		return []bbs.ToUser{bbs.Errorf(sessionID, bbs.ErrNoWorkflow, "No workflow in progress.")}
	}

	kind := sess.Workflow.Kind
	if w, ok := e.workflows[kind]; ok {
		if err := w.Cleanup(ctx, e.contextFor(sessionID, sess.Workflow)); err != nil {
			e.logger.Warn("workflow cleanup failed",
				slog.String("kind", kind),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.sessions.ClearWorkflow(sessionID)
	return []bbs.ToUser{{SessionID: sessionID, Text: "Cancelled."}}
}

// Cleanup runs the attached workflow's Cleanup without emitting user
// output. Used by session expiry.
func (e *Engine) Cleanup(ctx context.Context, sessionID string) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil || sess.Workflow == nil {
		return
	}
	if w, ok := e.workflows[sess.Workflow.Kind]; ok {
		if err := w.Cleanup(ctx, e.contextFor(sessionID, sess.Workflow)); err != nil {
			e.logger.Warn("workflow cleanup failed",
				slog.String("kind", sess.Workflow.Kind),
				slog.String("error", err.Error()),
			)
		}
	}
	e.sessions.ClearWorkflow(sessionID)
}

func (e *Engine) contextFor(sessionID string, state *bbs.WorkflowState) *Context {
	return &Context{
		SessionID: sessionID,
		DB:        e.db,
		Config:    e.cfg,
		Sessions:  e.sessions,
		State:     state,
		Logger:    e.logger,
		engine:    e,
	}
}

func (e *Engine) systemError(sessionID, kind string, err error) []bbs.ToUser {
	e.logger.Error("workflow failure",
		slog.String("kind", kind),
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
	return []bbs.ToUser{bbs.Errorf(sessionID, bbs.ErrInternal,
		"Something went wrong. Please try again.")}
}
