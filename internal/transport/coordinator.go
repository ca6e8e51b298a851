// Package transport owns the radio side of the daemon: the per-session
// outbound listeners, the advert scheduler, the watchdog, and the
// supervisor that assembles the mesh engine and tears it down in order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/session"
)

const (
	// sendFailureBackoff is the pause after a failed outbound delivery.
	sendFailureBackoff = 2 * time.Second

	// panicBackoff is the pause after an unclassified listener fault.
	panicBackoff = time.Second

	// maxConsecutiveFailures disconnects a session whose node has stopped
	// acknowledging queued deliveries.
	maxConsecutiveFailures = 5
)

var errSendFailed = errors.New("outbound send failed")

// Sender pushes rendered responses to a node. Satisfied by
// protocol.Handler.
type Sender interface {
	SendToNode(ctx context.Context, nodeID, username string, payload any) bool
}

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator runs one outbound listener per live session, draining the
// session's message queue to the radio. Listeners are keyed by node id,
// so a session-token rotation never orphans one.
type Coordinator struct {
	sessions *session.Manager
	sender   Sender
	delay    time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[string]*listener
	closed    bool
}

// NewCoordinator builds a Coordinator. delay separates consecutive
// deliveries from one queue.
func NewCoordinator(sessions *session.Manager, sender Sender, delay time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		sessions:  sessions,
		sender:    sender,
		delay:     delay,
		logger:    logger.With(slog.String("component", "coordinator")),
		listeners: make(map[string]*listener),
	}
}

// StartListener spawns the outbound listener for a node's session. A
// second call for the same node is a no-op.
func (c *Coordinator) StartListener(nodeID string) {
	sess, ok := c.sessions.ByNode(nodeID)
	if !ok {
		c.logger.Warn("no session for listener", slog.String("node_id", nodeID))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.listeners[nodeID]; exists {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{cancel: cancel, done: make(chan struct{})}
	c.listeners[nodeID] = l
	go c.run(ctx, nodeID, sess.MsgQueue, l.done)
	c.logger.Debug("listener started", slog.String("node_id", nodeID))
}

// StopListener cancels a node's listener and waits for it to exit.
func (c *Coordinator) StopListener(nodeID string) {
	c.mu.Lock()
	l, ok := c.listeners[nodeID]
	if ok {
		delete(c.listeners, nodeID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
	c.logger.Debug("listener stopped", slog.String("node_id", nodeID))
}

// Disconnect tears a session down: listener first, then the session
// itself. The expiry callback re-enters StopListener, which is
// idempotent.
func (c *Coordinator) Disconnect(sessionID string) {
	if sess, err := c.sessions.Get(sessionID); err == nil {
		c.StopListener(sess.NodeID)
	}
	if err := c.sessions.Expire(sessionID); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		c.logger.Warn("disconnect expire failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// OnSessionExpired is the session manager's expiry callback. The
// farewell, when present, goes straight to the radio; the listener is
// already condemned.
func (c *Coordinator) OnSessionExpired(sess session.Session, finalMsg string) {
	if finalMsg != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		c.sender.SendToNode(ctx, sess.NodeID, sess.Username, finalMsg)
		cancel()
	}
	c.StopListener(sess.NodeID)
}

// Stop cancels every listener and waits for all of them. The coordinator
// accepts no new listeners afterwards.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.closed = true
	ls := make([]*listener, 0, len(c.listeners))
	for id, l := range c.listeners {
		ls = append(ls, l)
		delete(c.listeners, id)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l.cancel()
		<-l.done
	}
}

// Count returns the number of live listeners.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *Coordinator) run(ctx context.Context, nodeID string, queue <-chan bbs.ToUser, done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			if !sleepCtx(ctx, c.delay) {
				return
			}
			err := c.deliver(ctx, nodeID, &msg)
			switch {
			case err == nil:
				failures = 0
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, errSendFailed):
				failures++
				c.logger.Warn("queued delivery failed",
					slog.String("node_id", nodeID),
					slog.Int("consecutive", failures),
				)
				if failures >= maxConsecutiveFailures {
					c.logger.Error("node unreachable, disconnecting",
						slog.String("node_id", nodeID))
					if sess, ok := c.sessions.ByNode(nodeID); ok {
						// Disconnect waits on this goroutine; detach.
						go c.Disconnect(sess.ID)
					}
					return
				}
				if !sleepCtx(ctx, sendFailureBackoff) {
					return
				}
			default:
				c.logger.Error("listener fault",
					slog.String("node_id", nodeID),
					slog.String("error", err.Error()),
				)
				c.sender.SendToNode(ctx, nodeID, "",
					"A system error occurred. Please try again.")
				if !sleepCtx(ctx, panicBackoff) {
					return
				}
			}
		}
	}
}

// deliver sends one queued message, converting panics in the send path
// into errors so a bad message cannot kill the listener.
func (c *Coordinator) deliver(ctx context.Context, nodeID string, msg *bbs.ToUser) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(runtime.Error); ok {
				// Not recoverable in any useful way; re-raise.
				panic(re)
			}
			err = fmt.Errorf("send panic: %v", r)
		}
	}()
	username := ""
	if sess, ok := c.sessions.ByNode(nodeID); ok {
		username = sess.Username
	}
	if ctx.Err() != nil {
		return context.Canceled
	}
	if !c.sender.SendToNode(ctx, nodeID, username, msg) {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return errSendFailed
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
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
