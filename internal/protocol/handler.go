// Package protocol implements reliable chunk delivery over the mesh:
// send one frame, wait for the device-assigned acknowledgement code to
// come back, retry on silence.
package protocol

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
	"github.com/meshcitadel/meshcitadel/internal/codec"
	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/radio"
)

// ackMaxAge bounds how long an acknowledgement code stays in the table,
// and doubles as the refresh threshold in HandleAck.
const ackMaxAge = 20 * time.Second

// ackPollInterval is the waiters' polling cadence against the ACK table.
const ackPollInterval = 100 * time.Millisecond

// retryDelay separates handler-side send attempts when the device has no
// native retry support.
const retryDelay = 1 * time.Second

// MetricsReporter receives delivery counters. Implementations must be
// safe for concurrent use.
type MetricsReporter interface {
	PacketSent(acked bool)
	AckReceived()
	SendRetried()
}

type noopMetrics struct{}

func (noopMetrics) PacketSent(bool) {}
func (noopMetrics) AckReceived()    {}
func (noopMetrics) SendRetried()    {}

// Handler owns the outbound send path and the ACK table. One Handler
// serves the whole daemon; it is safe for concurrent use.
type Handler struct {
	dev     radio.Device
	cfg     config.MeshCoreConfig
	logger  *slog.Logger
	metrics MetricsReporter

	mu   sync.Mutex
	acks map[string]time.Time // hex code → receipt time
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics installs a metrics reporter.
func WithMetrics(m MetricsReporter) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHandler builds a protocol handler over the device.
func NewHandler(dev radio.Device, cfg config.MeshCoreConfig, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		dev:     dev,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "protocol")),
		metrics: noopMetrics{},
		acks:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// -------------------------------------------------------------------------
// Outbound path
// -------------------------------------------------------------------------

// SendToNode delivers a payload to a node. payload may be a string, a
// *bbs.ToUser, or a []bbs.ToUser; structured messages are formatted
// before chunking. Chunks go out sequentially with the configured
// inter-packet delay between them. The return value reflects the final
// chunk only: an intermediate chunk may fail without aborting the send,
// but an unacknowledged last chunk reports the node as unreachable.
func (h *Handler) SendToNode(ctx context.Context, nodeID, username string, payload any) bool {
	texts := renderPayload(payload)
	if len(texts) == 0 {
		return true
	}

	ok := true
	for i, text := range texts {
		if i > 0 {
			if !sleepCtx(ctx, h.cfg.InterPacketDelay) {
				return false
			}
		}
		ok = h.sendText(ctx, nodeID, username, text)
	}
	return ok
}

func renderPayload(payload any) []string {
	switch p := payload.(type) {
	case string:
		return []string{p}
	case bbs.ToUser:
		return []string{p.Render()}
	case *bbs.ToUser:
		if p == nil {
			return nil
		}
		return []string{p.Render()}
	case []bbs.ToUser:
		out := make([]string, 0, len(p))
		for i := range p {
			out = append(out, p[i].Render())
		}
		return out
	default:
		return nil
	}
}

// sendText chunks one text and sends every chunk, reporting the final
// chunk's fate.
func (h *Handler) sendText(ctx context.Context, nodeID, username, text string) bool {
	chunks := codec.Chunk(text, h.cfg.MaxPacketSize)

	ok := true
	for i, chunk := range chunks {
		if i > 0 {
			if !sleepCtx(ctx, h.cfg.InterPacketDelay) {
				return false
			}
		}
		ok = h.SendPacket(ctx, nodeID, chunk)
		if !ok && i < len(chunks)-1 {
			h.logger.Warn("intermediate chunk unacknowledged, continuing",
				slog.String("node_id", nodeID),
				slog.String("username", username),
				slog.Int("chunk", i+1),
				slog.Int("chunks", len(chunks)),
			)
		}
	}
	return ok
}

// SendPacket transmits one chunk and waits for its acknowledgement.
// Devices with native retry handle attempts themselves; otherwise the
// handler retries up to max_retries with a fixed delay.
func (h *Handler) SendPacket(ctx context.Context, nodeID, chunk string) bool {
	if rs, ok := h.dev.(radio.RetrySender); ok {
		return h.sendWithDeviceRetry(ctx, rs, nodeID, chunk)
	}

	attempts := h.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			h.metrics.SendRetried()
			if !sleepCtx(ctx, retryDelay) {
				return false
			}
		}
		if h.sendOnce(ctx, nodeID, chunk, attempt) {
			h.metrics.PacketSent(true)
			return true
		}
	}
	h.metrics.PacketSent(false)
	h.logger.Warn("packet delivery failed",
		slog.String("node_id", nodeID),
		slog.Int("attempts", attempts),
	)
	return false
}

func (h *Handler) sendWithDeviceRetry(ctx context.Context, rs radio.RetrySender, nodeID, chunk string) bool {
	reply, err := rs.SendMsgWithRetry(ctx, nodeID, chunk,
		h.cfg.MaxRetries,
		h.cfg.MaxFloodAttempts,
		h.cfg.FloodAfter,
		h.cfg.SendTimeout.Seconds(),
	)
	if err != nil {
		h.logger.Warn("device retry send failed",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()),
		)
		h.metrics.PacketSent(false)
		return false
	}
	if reply == nil || len(reply.ExpectedAck) == 0 {
		h.metrics.PacketSent(false)
		return false
	}
	acked := h.waitForAck(ctx, hex.EncodeToString(reply.ExpectedAck))
	h.metrics.PacketSent(acked)
	return acked
}

func (h *Handler) sendOnce(ctx context.Context, nodeID, chunk string, attempt int) bool {
	reply, err := h.dev.SendMsg(ctx, nodeID, chunk)
	if err != nil {
		h.logger.Debug("send_msg failed",
			slog.String("node_id", nodeID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return false
	}
	if reply == nil || len(reply.ExpectedAck) == 0 {
		h.logger.Debug("send_msg returned no expected_ack",
			slog.String("node_id", nodeID),
			slog.Int("attempt", attempt),
		)
		return false
	}
	return h.waitForAck(ctx, hex.EncodeToString(reply.ExpectedAck))
}

// waitForAck polls the ACK table for the code until ack_timeout elapses.
func (h *Handler) waitForAck(ctx context.Context, code string) bool {
	deadline := time.Now().Add(h.cfg.AckTimeout)
	ticker := time.NewTicker(ackPollInterval)
	defer ticker.Stop()

	for {
		if h.takeAck(code) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// takeAck consumes a matching ACK entry, pruning stale entries as a side
// effect of the table walk.
func (h *Handler) takeAck(code string) bool {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	for c, at := range h.acks {
		if now.Sub(at) > ackMaxAge {
			delete(h.acks, c)
		}
	}
	if _, ok := h.acks[code]; ok {
		delete(h.acks, code)
		return true
	}
	return false
}

// -------------------------------------------------------------------------
// Inbound ACKs
// -------------------------------------------------------------------------

// HandleAck records an acknowledgement event. A fresh duplicate does not
// move the timestamp; only entries older than the max age are refreshed,
// so a late retransmit cannot keep a code alive indefinitely.
func (h *Handler) HandleAck(ev radio.Event) {
	if len(ev.AckCode) == 0 {
		return
	}
	code := hex.EncodeToString(ev.AckCode)
	now := time.Now()

	h.mu.Lock()
	at, exists := h.acks[code]
	if !exists || now.Sub(at) > ackMaxAge {
		h.acks[code] = now
	}
	h.mu.Unlock()

	h.metrics.AckReceived()
	h.logger.Debug("ack received", slog.String("code", code))
}

// PendingAcks returns the live entry count, for diagnostics.
func (h *Handler) PendingAcks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.acks)
}

// sleepCtx sleeps for d unless the context is cancelled first, reporting
// whether the full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
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
