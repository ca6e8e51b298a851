// Package router drives the per-inbound-message pipeline: dedupe,
// session attach, password-cache auto-relogin, workflow versus command
// routing, prompt decoration, and the final chunked send.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/auth"
	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/command"
	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/dedup"
	"github.com/meshcitadel/meshcitadel/internal/radio"
	"github.com/meshcitadel/meshcitadel/internal/session"
	"github.com/meshcitadel/meshcitadel/internal/storage"
	"github.com/meshcitadel/meshcitadel/internal/workflow"
)

// promptBare is the prompt shown when the session has no current room.
const promptBare = "What now? (H for help)"

// Sender pushes rendered responses to a node. Satisfied by
// protocol.Handler.
type Sender interface {
	SendToNode(ctx context.Context, nodeID, username string, payload any) bool
}

// Coordinator manages per-session outbound listeners. Satisfied by
// transport.Coordinator.
type Coordinator interface {
	StartListener(nodeID string)
	Disconnect(sessionID string)
}

// MetricsReporter receives router counters. All methods must be safe for
// concurrent use.
type MetricsReporter interface {
	MessageReceived()
	DuplicateDropped()
	MalformedDropped()
}

type noopMetrics struct{}

func (noopMetrics) MessageReceived()  {}
func (noopMetrics) DuplicateDropped() {}
func (noopMetrics) MalformedDropped() {}

// Router routes inbound text messages through the BBS core.
type Router struct {
	db        *storage.DB
	cfg       *config.Config
	sessions  *session.Manager
	filter    *dedup.Filter
	workflows *workflow.Engine
	processor *command.Processor
	sender    Sender
	coord     Coordinator
	nodeAuth  *auth.NodeAuthenticator
	logger    *slog.Logger
	metrics   MetricsReporter

	// Per-node locks serialize processing so a session never interleaves
	// a command with a pending workflow response.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics installs a metrics reporter.
func WithMetrics(m MetricsReporter) Option {
	return func(r *Router) { r.metrics = m }
}

// New builds a Router. coord may be nil in tests.
func New(db *storage.DB, cfg *config.Config, sessions *session.Manager,
	filter *dedup.Filter, workflows *workflow.Engine, processor *command.Processor,
	sender Sender, coord Coordinator, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		db:        db,
		cfg:       cfg,
		sessions:  sessions,
		filter:    filter,
		workflows: workflows,
		processor: processor,
		sender:    sender,
		coord:     coord,
		nodeAuth:  auth.NewNodeAuthenticator(db, cfg.Auth.PasswordCacheDuration, logger),
		logger:    logger.With(slog.String("component", "router")),
		metrics:   noopMetrics{},
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) nodeLock(nodeID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[nodeID] = l
	}
	return l
}

// HandleEvent processes one inbound contact message event end to end.
func (r *Router) HandleEvent(ctx context.Context, ev radio.Event) {
	nodeID, text := ev.PubKeyPrefix, ev.Text
	if len(nodeID) != radio.NodeIDLen || text == "" {
		r.metrics.MalformedDropped()
		r.logger.Warn("malformed inbound message dropped",
			slog.String("node_id", nodeID),
			slog.Int("text_len", len(text)),
		)
		return
	}

	lock := r.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	if r.filter.IsDuplicate(nodeID, text) {
		r.metrics.DuplicateDropped()
		r.logger.Debug("duplicate dropped", slog.String("node_id", nodeID))
		return
	}
	r.metrics.MessageReceived()

	sess, isNew, err := r.attachSession(nodeID)
	if err != nil {
		r.logger.Error("session attach failed",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()),
		)
		return
	}

	out := r.route(ctx, sess, isNew, text)
	if len(out) == 0 {
		return
	}

	// Refresh after routing: login may have bound a username, a command
	// may have started a workflow.
	if cur, err := r.sessions.Get(sess.ID); err == nil {
		sess = cur
	}
	if sess.Workflow == nil {
		out = r.decorate(ctx, sess, out)
	}

	if !r.sleepCtx(ctx, r.cfg.Transport.MeshCore.InterPacketDelay) {
		return
	}
	ok := true
	for i := range out {
		ok = r.sender.SendToNode(ctx, nodeID, sess.Username, &out[i])
	}
	if !ok {
		r.logger.Warn("final response send failed, disconnecting",
			slog.String("node_id", nodeID),
			slog.String("session_id", sess.ID),
		)
		if r.coord != nil {
			r.coord.Disconnect(sess.ID)
		}
	}
}

// attachSession finds or creates the session for a node. A fresh session
// gets an outbound listener.
func (r *Router) attachSession(nodeID string) (session.Session, bool, error) {
	sess, ok := r.sessions.ByNode(nodeID)
	if ok {
		return sess, false, nil
	}
	sess, err := r.sessions.Create(nodeID)
	if err != nil {
		return session.Session{}, false, err
	}
	r.logger.Info("new session", slog.String("node_id", nodeID))
	if r.coord != nil {
		r.coord.StartListener(nodeID)
	}
	return sess, true, nil
}

// route decides what the inbound text means for this session and runs it.
func (r *Router) route(ctx context.Context, sess session.Session, isNew bool, text string) []bbs.ToUser {
	if sess.Workflow != nil {
		return r.processor.Process(ctx, bbs.FromUser{
			SessionID: sess.ID,
			Type:      bbs.PayloadWorkflowResponse,
			Raw:       text,
		})
	}

	if !sess.LoggedIn {
		username, ok := r.cachedLogin(ctx, sess)
		if !ok {
			return r.workflows.Start(ctx, sess.ID, workflow.KindLogin)
		}
		if isNew {
			// The inbound text only woke the session up; it is not
			// content.
			return []bbs.ToUser{{
				SessionID: sess.ID,
				Text:      fmt.Sprintf("Welcome back, %s!", username),
			}}
		}
	}

	return r.dispatchCommand(ctx, sess.ID, text)
}

// cachedLogin re-binds the session from the password cache when the
// cached entry is still inside the validity window.
func (r *Router) cachedLogin(ctx context.Context, sess session.Session) (string, bool) {
	username, ok := r.nodeAuth.HasCache(ctx, sess.NodeID)
	if !ok {
		return "", false
	}
	user, err := r.db.Users.Load(ctx, username)
	if err != nil || user.Status == bbs.StatusDisabled {
		return "", false
	}

	if err := r.nodeAuth.Touch(ctx, username, sess.NodeID); err != nil {
		r.logger.Warn("password cache touch failed",
			slog.String("node_id", sess.NodeID),
			slog.String("error", err.Error()),
		)
	}
	r.sessions.MarkUsername(sess.ID, username)
	r.sessions.MarkLoggedIn(sess.ID)
	if sess.CurrentRoomID == 0 {
		if id, err := r.db.Rooms.GetIDByName(ctx, r.cfg.BBS.StartingRoom); err == nil {
			r.sessions.SetCurrentRoom(sess.ID, id)
		}
	}
	r.logger.Info("cached re-login",
		slog.String("node_id", sess.NodeID),
		slog.String("username", username),
	)
	return username, true
}

func (r *Router) dispatchCommand(ctx context.Context, sessionID, text string) []bbs.ToUser {
	in := bbs.FromUser{
		SessionID: sessionID,
		Type:      bbs.PayloadCommand,
		Raw:       text,
	}
	if parsed, ok := r.processor.Registry().Parse(text); ok {
		in.Command = parsed
	}
	return r.processor.Process(ctx, in)
}

// decorate appends the standard prompt to the final response element.
func (r *Router) decorate(ctx context.Context, sess session.Session, out []bbs.ToUser) []bbs.ToUser {
	prompt := r.buildPrompt(ctx, sess)
	last := &out[len(out)-1]
	switch {
	case last.Message != nil:
		last.Message.Content += "\n" + prompt
	case last.Text == "":
		last.Text = prompt
	default:
		last.Text += "\n" + prompt
	}
	return out
}

// buildPrompt renders the room line plus any pending notifications.
func (r *Router) buildPrompt(ctx context.Context, sess session.Session) string {
	if sess.CurrentRoomID == 0 {
		return promptBare
	}
	room, err := r.db.Rooms.Load(ctx, sess.CurrentRoomID)
	if err != nil {
		return promptBare
	}

	var b strings.Builder
	if user, err := r.db.Users.Load(ctx, sess.Username); err == nil && user.Level >= bbs.PermAide {
		if n, err := r.db.Validations.Count(ctx); err == nil && n > 0 {
			if n == 1 {
				b.WriteString("* There is 1 validation to review\n")
			} else {
				fmt.Fprintf(&b, "* There are %d validations to review\n", n)
			}
		}
	}
	if mailID, err := r.db.Rooms.GetIDByName(ctx, bbs.MailRoomName); err == nil {
		if unread, err := r.db.Rooms.HasUnreadMessages(ctx, sess.Username, mailID); err == nil && unread {
			b.WriteString("* You have unread mail\n")
		}
	}
	fmt.Fprintf(&b, "In %s. %s", room.Name, promptBare)
	return b.String()
}

func (r *Router) sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
