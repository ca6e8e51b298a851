// Package server implements the local admin socket for the daemon: a
// unix socket speaking line-delimited JSON, serving citadelctl. Each
// connection is credential-checked via SO_PEERCRED and runs BBS
// commands through the same processor the radio path uses.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/command"
	"github.com/meshcitadel/meshcitadel/internal/session"
	"github.com/meshcitadel/meshcitadel/internal/storage"
	appversion "github.com/meshcitadel/meshcitadel/internal/version"
)

// maxLineBytes bounds one admin request frame.
const maxLineBytes = 64 * 1024

var errUnauthorized = errors.New("peer credentials rejected")

// Request is one admin frame from citadelctl.
type Request struct {
	// Op selects the operation: status, who, contacts, send, command.
	Op string `json:"op"`

	// Line is the BBS command line for op "command".
	Line string `json:"line,omitempty"`

	// User is the acting BBS account for op "command".
	User string `json:"user,omitempty"`

	// Node and Text address a direct radio send for op "send".
	Node string `json:"node,omitempty"`
	Text string `json:"text,omitempty"`
}

// Response is one admin reply frame.
type Response struct {
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
	Lines []string `json:"lines,omitempty"`
	Data  any      `json:"data,omitempty"`
}

// SessionInfo is one entry in the "who" listing.
type SessionInfo struct {
	Username   string    `json:"username"`
	NodeID     string    `json:"node_id"`
	RoomID     int64     `json:"room_id"`
	LoggedIn   bool      `json:"logged_in"`
	LastActive time.Time `json:"last_active"`
}

// StatusInfo is the "status" payload.
type StatusInfo struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Sessions  int       `json:"sessions"`
	Contacts  int       `json:"contacts"`
	Users     int       `json:"users"`
}

// Sender pushes text to a node over the radio. Nil when the mesh engine
// is down; "send" then reports an error instead of blocking.
type Sender interface {
	SendToNode(ctx context.Context, nodeID, username string, payload any) bool
}

// Server is the admin socket listener.
type Server struct {
	path      string
	db        *storage.DB
	sessions  *session.Manager
	processor *command.Processor
	logger    *slog.Logger
	startedAt time.Time

	handler handlerFunc

	mu     sync.Mutex
	sender Sender
	ln     net.Listener
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	connID atomic.Int64
}

// New builds a Server listening at path once Start is called.
func New(path string, db *storage.DB, sessions *session.Manager,
	processor *command.Processor, logger *slog.Logger) *Server {
	s := &Server{
		path:      path,
		db:        db,
		sessions:  sessions,
		processor: processor,
		logger:    logger.With(slog.String("component", "admin")),
		startedAt: time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
	s.handler = withLogging(s.logger, withRecovery(s.logger, s.dispatch))
	return s
}

// SetSender installs or clears the radio sender. Safe while serving;
// the mesh engine swaps it around restarts.
func (s *Server) SetSender(snd Sender) {
	s.mu.Lock()
	s.sender = snd
	s.mu.Unlock()
}

// Start binds the socket and serves until Stop. A stale socket file
// from a previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("admin socket listening", slog.String("path", s.path))
	return nil
}

// Stop closes the listener and every live connection, then waits.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if err := checkPeer(conn); err != nil {
			s.logger.Warn("admin connection rejected",
				slog.String("error", err.Error()))
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// checkPeer accepts only connections from root or the daemon's own uid.
func checkPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return errUnauthorized
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if credErr != nil {
		return credErr
	}
	if cred.Uid != 0 && cred.Uid != uint32(os.Getuid()) {
		return fmt.Errorf("%w: uid %d", errUnauthorized, cred.Uid)
	}
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	// One local BBS session per connection, created lazily on the first
	// "command" frame and expired on disconnect.
	st := &connState{}
	defer func() {
		if st.sessionID != "" {
			s.sessions.Expire(st.sessionID)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(Response{Error: "malformed request: " + err.Error()})
			continue
		}
		resp := s.handler(context.Background(), &req, st)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request, st *connState) Response {
	switch req.Op {
	case "status":
		return s.handleStatus(ctx)
	case "who":
		return s.handleWho()
	case "contacts":
		return s.handleContacts(ctx)
	case "send":
		return s.handleSend(ctx, req)
	case "command":
		return s.handleCommand(ctx, req, st)
	default:
		return Response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *Server) handleStatus(ctx context.Context) Response {
	contacts, err := s.db.Contacts.Count(ctx)
	if err != nil {
		return Response{Error: err.Error()}
	}
	users, err := s.db.Users.Count(ctx)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Data: StatusInfo{
		Version:   appversion.Version,
		StartedAt: s.startedAt,
		Sessions:  s.sessions.Count(),
		Contacts:  contacts,
		Users:     users,
	}}
}

func (s *Server) handleWho() Response {
	var infos []SessionInfo
	for _, sess := range s.sessions.ListActive() {
		infos = append(infos, SessionInfo{
			Username:   sess.Username,
			NodeID:     sess.NodeID,
			RoomID:     sess.CurrentRoomID,
			LoggedIn:   sess.LoggedIn,
			LastActive: sess.LastActive,
		})
	}
	return Response{OK: true, Data: infos}
}

func (s *Server) handleContacts(ctx context.Context) Response {
	rows, err := s.db.Contacts.ListByLastSeenDesc(ctx, 0)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Data: rows}
}

func (s *Server) handleSend(ctx context.Context, req *Request) Response {
	s.mu.Lock()
	snd := s.sender
	s.mu.Unlock()
	if snd == nil {
		return Response{Error: "mesh engine is not running"}
	}
	if req.Node == "" || req.Text == "" {
		return Response{Error: "send requires node and text"}
	}
	sendCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if !snd.SendToNode(sendCtx, req.Node, "", req.Text) {
		return Response{Error: "send not acknowledged"}
	}
	return Response{OK: true}
}

func (s *Server) handleCommand(ctx context.Context, req *Request, st *connState) Response {
	if req.Line == "" {
		return Response{Error: "command requires line"}
	}
	if st.sessionID == "" {
		id, err := s.openLocalSession(ctx, req.User)
		if err != nil {
			return Response{Error: err.Error()}
		}
		st.sessionID = id
	}

	in := bbs.FromUser{
		SessionID: st.sessionID,
		Type:      bbs.PayloadCommand,
		Raw:       req.Line,
	}
	if sess, err := s.sessions.Get(st.sessionID); err == nil && sess.Workflow != nil {
		in.Type = bbs.PayloadWorkflowResponse
	} else if parsed, ok := s.processor.Registry().Parse(req.Line); ok {
		in.Command = parsed
	}

	out := s.processor.Process(ctx, in)
	resp := Response{OK: true}
	for i := range out {
		if out[i].IsError {
			resp.OK = false
			resp.Error = string(out[i].ErrorCode)
		}
		resp.Lines = append(resp.Lines, out[i].Render())
	}
	return resp
}

// openLocalSession binds a connection-scoped session to an existing BBS
// account. The node id is synthetic; no radio listener is attached.
func (s *Server) openLocalSession(ctx context.Context, username string) (string, error) {
	if username == "" {
		return "", errors.New("command requires user")
	}
	user, err := s.db.Users.Load(ctx, username)
	if err != nil {
		return "", fmt.Errorf("load user %s: %w", username, err)
	}

	nodeID := fmt.Sprintf("local:%d", s.connID.Add(1))
	sess, err := s.sessions.Create(nodeID)
	if err != nil {
		return "", err
	}
	s.sessions.MarkUsername(sess.ID, user.Username)
	s.sessions.MarkLoggedIn(sess.ID)
	s.logger.Info("local admin session",
		slog.String("username", user.Username),
		slog.String("node_id", nodeID),
	)
	return sess.ID, nil
}
