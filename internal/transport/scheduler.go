package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/radio"
)

// -------------------------------------------------------------------------
// Advert scheduler
// -------------------------------------------------------------------------

// AdvertScheduler broadcasts this node's presence on a fixed period. The
// first advert goes out immediately so freshly booted boards are
// discoverable without waiting out the interval.
type AdvertScheduler struct {
	dev      radio.Device
	interval time.Duration
	flood    bool
	logger   *slog.Logger
}

// NewAdvertScheduler builds an AdvertScheduler.
func NewAdvertScheduler(dev radio.Device, interval time.Duration, flood bool, logger *slog.Logger) *AdvertScheduler {
	return &AdvertScheduler{
		dev:      dev,
		interval: interval,
		flood:    flood,
		logger:   logger.With(slog.String("component", "advert")),
	}
}

// Run broadcasts until ctx is cancelled.
func (s *AdvertScheduler) Run(ctx context.Context) error {
	s.send(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.send(ctx)
		}
	}
}

func (s *AdvertScheduler) send(ctx context.Context) {
	reply, err := s.dev.SendAdvert(ctx, s.flood)
	if err != nil || reply.Failed() {
		s.logger.Warn("advert failed", slog.Any("error", err))
		return
	}
	s.logger.Debug("advert sent", slog.Bool("flood", s.flood))
}

// -------------------------------------------------------------------------
// Watchdog
// -------------------------------------------------------------------------

// Watchdog fires a callback when no feed arrives within the timeout.
// Feed points sit at event ingress, at most once per event, so a wedged
// radio link is detected rather than masked.
type Watchdog struct {
	timeout   time.Duration
	feed      chan struct{}
	onTimeout func()
	logger    *slog.Logger
}

// NewWatchdog builds a Watchdog. onTimeout runs on the watchdog's own
// goroutine; it must not block.
func NewWatchdog(timeout time.Duration, onTimeout func(), logger *slog.Logger) *Watchdog {
	return &Watchdog{
		timeout:   timeout,
		feed:      make(chan struct{}, 1),
		onTimeout: onTimeout,
		logger:    logger.With(slog.String("component", "watchdog")),
	}
}

// Feed resets the countdown. Never blocks; redundant feeds inside one
// interval coalesce.
func (w *Watchdog) Feed() {
	select {
	case w.feed <- struct{}{}:
	default:
	}
}

// Run watches until ctx is cancelled. After firing it resumes waiting,
// so a restart that brings traffic back quiets it again.
func (w *Watchdog) Run(ctx context.Context) error {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.feed:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.timeout)
		case <-timer.C:
			w.logger.Error("watchdog expired",
				slog.Duration("timeout", w.timeout))
			w.onTimeout()
			timer.Reset(w.timeout)
		}
	}
}
