package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcitadel/meshcitadel/internal/command"
	"github.com/meshcitadel/meshcitadel/internal/config"
	"github.com/meshcitadel/meshcitadel/internal/contacts"
	"github.com/meshcitadel/meshcitadel/internal/dedup"
	"github.com/meshcitadel/meshcitadel/internal/protocol"
	"github.com/meshcitadel/meshcitadel/internal/radio"
	"github.com/meshcitadel/meshcitadel/internal/router"
	"github.com/meshcitadel/meshcitadel/internal/session"
	"github.com/meshcitadel/meshcitadel/internal/storage"
	"github.com/meshcitadel/meshcitadel/internal/workflow"
)

// ErrWatchdogExpired is returned by Run when the watchdog tripped; the
// daemon restarts the mesh engine on it.
var ErrWatchdogExpired = errors.New("transport watchdog expired")

// stopTimeout bounds each step of the ordered shutdown.
const stopTimeout = 10 * time.Second

// Supervisor owns the radio handle and assembles the mesh engine around
// it: protocol handler, dedup filter, contact manager, message router,
// and the per-session listeners. One Supervisor per engine incarnation;
// the daemon builds a fresh one after a watchdog restart.
type Supervisor struct {
	dev      radio.Device
	db       *storage.DB
	cfg      *config.Config
	sessions *session.Manager
	logger   *slog.Logger

	handler  *protocol.Handler
	filter   *dedup.Filter
	contacts *contacts.Manager
	coord    *Coordinator
	router   *router.Router
	watchdog *Watchdog

	cancel   context.CancelCauseFunc
	unsubs   []func()
	inflight sync.WaitGroup
	stopOnce sync.Once

	protocolMetrics protocol.MetricsReporter
	routerMetrics   router.MetricsReporter
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithProtocolMetrics installs the protocol handler's metrics reporter.
func WithProtocolMetrics(m protocol.MetricsReporter) Option {
	return func(s *Supervisor) { s.protocolMetrics = m }
}

// WithRouterMetrics installs the router's metrics reporter.
func WithRouterMetrics(m router.MetricsReporter) Option {
	return func(s *Supervisor) { s.routerMetrics = m }
}

// NewSupervisor assembles the engine around an open device handle. The
// workflow engine and command processor are shared with the admin
// socket and passed in.
func NewSupervisor(dev radio.Device, db *storage.DB, cfg *config.Config,
	sessions *session.Manager, workflows *workflow.Engine,
	processor *command.Processor, logger *slog.Logger, opts ...Option) *Supervisor {

	s := &Supervisor{
		dev:      dev,
		db:       db,
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "transport")),
	}
	for _, opt := range opts {
		opt(s)
	}

	mc := cfg.Transport.MeshCore
	var protoOpts []protocol.Option
	if s.protocolMetrics != nil {
		protoOpts = append(protoOpts, protocol.WithMetrics(s.protocolMetrics))
	}
	s.handler = protocol.NewHandler(dev, mc, logger, protoOpts...)
	s.filter = dedup.New(dedup.DefaultTTL, logger)
	s.contacts = contacts.NewManager(dev, db, mc.ContactManager, logger)
	s.coord = NewCoordinator(sessions, s.handler, mc.InterPacketDelay, logger)

	var routerOpts []router.Option
	if s.routerMetrics != nil {
		routerOpts = append(routerOpts, router.WithMetrics(s.routerMetrics))
	}
	s.router = router.New(db, cfg, sessions, s.filter, workflows, processor,
		s.handler, s.coord, logger, routerOpts...)

	return s
}

// Stop requests engine shutdown. Safe before Run and safe to repeat.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel(nil)
	}
}

// Handler exposes the protocol handler, e.g. for direct admin sends.
func (s *Supervisor) Handler() *protocol.Handler { return s.handler }

// Contacts exposes the contact manager.
func (s *Supervisor) Contacts() *contacts.Manager { return s.contacts }

// Run brings the engine up and blocks until ctx is cancelled or the
// watchdog trips. The engine is torn down in order before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	defer cancel(nil)
	defer s.shutdown()

	if err := s.setupDevice(runCtx); err != nil {
		return fmt.Errorf("device setup: %w", err)
	}

	if s.cfg.Transport.MeshCore.ContactManager.UpdateContacts {
		if err := s.contacts.Sync(runCtx); err != nil {
			return fmt.Errorf("contact sync: %w", err)
		}
		s.logger.Info("contacts reconciled",
			slog.String("authority", string(s.contacts.Authority())))
	}

	s.sessions.SetExpiryCallback(s.coord.OnSessionExpired)
	s.watchdog = NewWatchdog(s.cfg.Transport.MeshCore.WatchdogTimeout, func() {
		cancel(ErrWatchdogExpired)
	}, s.logger)

	s.subscribe(runCtx)

	if err := s.dev.StartAutoFetch(runCtx); err != nil {
		return fmt.Errorf("start auto-fetch: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	advert := NewAdvertScheduler(s.dev,
		s.cfg.Transport.MeshCore.AdvertInterval, true, s.logger)
	g.Go(func() error { return advert.Run(gctx) })
	g.Go(func() error { return s.watchdog.Run(gctx) })

	s.logger.Info("mesh engine running",
		slog.String("serial_port", s.cfg.Transport.MeshCore.SerialPort))

	err := g.Wait()
	if cause := context.Cause(runCtx); errors.Is(cause, ErrWatchdogExpired) {
		return ErrWatchdogExpired
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setupDevice pushes clock and radio parameters to the companion.
func (s *Supervisor) setupDevice(ctx context.Context) error {
	mc := s.cfg.Transport.MeshCore

	steps := []struct {
		name string
		call func() (*radio.Reply, error)
	}{
		{"set_time", func() (*radio.Reply, error) {
			return s.dev.SetTime(ctx, time.Now().Unix())
		}},
		{"set_radio", func() (*radio.Reply, error) {
			return s.dev.SetRadio(ctx, mc.Frequency, mc.Bandwidth,
				mc.SpreadingFactor, mc.CodingRate)
		}},
		{"set_tx_power", func() (*radio.Reply, error) {
			return s.dev.SetTxPower(ctx, mc.TxPower)
		}},
		{"set_multi_acks", func() (*radio.Reply, error) {
			return s.dev.SetMultiAcks(ctx, mc.MultiAcks)
		}},
		{"set_manual_add_contacts", func() (*radio.Reply, error) {
			return s.dev.SetManualAddContacts(ctx, true)
		}},
	}
	if mc.Name != "" {
		steps = append(steps, struct {
			name string
			call func() (*radio.Reply, error)
		}{"set_name", func() (*radio.Reply, error) {
			return s.dev.SetName(ctx, mc.Name)
		}})
	}

	for _, step := range steps {
		reply, err := step.call()
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if reply.Failed() {
			return fmt.Errorf("%s: device rejected", step.name)
		}
	}
	return nil
}

// subscribe wires device events into the engine. Message and ACK
// ingress both feed the watchdog.
func (s *Supervisor) subscribe(ctx context.Context) {
	s.unsubs = append(s.unsubs,
		s.dev.Subscribe(radio.EventContactMsgRecv, func(ev radio.Event) {
			s.watchdog.Feed()
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.router.HandleEvent(ctx, ev)
			}()
		}),
		s.dev.Subscribe(radio.EventAck, func(ev radio.Event) {
			s.watchdog.Feed()
			s.handler.HandleAck(ev)
		}),
		s.dev.Subscribe(radio.EventAdvertisement, func(ev radio.Event) {
			s.ingestAdvert(ctx, ev)
		}),
		s.dev.Subscribe(radio.EventNewContact, func(ev radio.Event) {
			s.ingestAdvert(ctx, ev)
		}),
	)
}

func (s *Supervisor) ingestAdvert(ctx context.Context, ev radio.Event) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.contacts.IngestAdvert(ctx, ev); err != nil {
			s.logger.Warn("advert ingest failed",
				slog.String("error", err.Error()))
		}
	}()
}

// shutdown tears the engine down in order. Each step runs regardless of
// earlier failures, and the whole sequence is idempotent.
func (s *Supervisor) shutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info("mesh engine stopping")

		for _, unsub := range s.unsubs {
			unsub()
		}
		s.unsubs = nil
		s.inflight.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := s.dev.StopAutoFetch(ctx); err != nil {
			s.logger.Warn("stop auto-fetch failed",
				slog.String("error", err.Error()))
		}

		s.coord.Stop()
		s.filter.Stop()

		if err := s.dev.Disconnect(); err != nil {
			s.logger.Warn("device disconnect failed",
				slog.String("error", err.Error()))
		}
		s.logger.Info("mesh engine stopped")
	})
}
