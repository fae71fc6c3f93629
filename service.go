// Package localsmtp wires the scan intake service together: the SMTP
// listener, the delivery pipeline and its optional journal, notifications,
// metrics endpoint and test-mode sender.
package localsmtp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emersion/go-smtp"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/mczdsm/HVlocalsmtp/audit"
	"github.com/mczdsm/HVlocalsmtp/backend"
	"github.com/mczdsm/HVlocalsmtp/intake"
	"github.com/mczdsm/HVlocalsmtp/logger"
	"github.com/mczdsm/HVlocalsmtp/metrics"
	"github.com/mczdsm/HVlocalsmtp/notify"
	"github.com/mczdsm/HVlocalsmtp/testsend"
)

const serviceName string = "hvlocalsmtp"

// Service owns every long-running component.
type Service struct {
	mu  sync.RWMutex
	cfg *Config
	log *zap.Logger

	backend  *backend.Backend
	server   *smtp.Server
	listener net.Listener

	journal  *audit.Journal
	notifier *notify.Dispatcher
	metrics  *metrics.Server

	// Connection tracking for graceful shutdown
	connections sync.Map // uuid -> *backend.Session

	stopSender context.CancelFunc
	wg         sync.WaitGroup
	closing    atomic.Bool

	// closeLog is set when Init built the logger itself.
	closeLog func()
}

// Init validates cfg and builds the pipeline, journal and notifier. Nothing
// listens until Serve. A nil log makes Init build the logger selected by the
// configuration; Stop then flushes and closes it.
func (s *Service) Init(cfg *Config, log *zap.Logger) error {
	const op = errors.Op("service_init")

	if err := cfg.InitDefault(); err != nil {
		return errors.E(op, err)
	}

	if log == nil {
		l, cleanup, err := logger.New(cfg.LogMode(), cfg.LogDir)
		if err != nil {
			return errors.E(op, err)
		}
		log = l
		s.closeLog = cleanup
	}

	s.cfg = cfg
	s.log = log

	pipeline := intake.NewPipeline(cfg.Pipeline(), backend.NewParser(log.Named("parser")), log.Named("intake"))

	if cfg.JournalPath != "" {
		j, err := audit.OpenJournal(cfg.JournalPath)
		if err != nil {
			s.syncLog()
			return errors.E(op, err)
		}
		s.journal = j
	}

	n, err := s.newNotifier()
	if err != nil {
		_ = s.journal.Close()
		s.syncLog()
		return errors.E(op, err)
	}
	if n != nil {
		s.notifier = notify.NewDispatcher(n, cfg.NotifyTimeout, log.Named("notify"))
	}

	s.backend = backend.NewBackend(backend.Config{
		MaxMessageSize: cfg.MaxMessageSize,
		MaxRecipients:  cfg.MaxRecipients,
		NotifyDomain:   cfg.NotifyDomain,
		Pipeline:       pipeline,
		Journal:        s.journal,
		Notifier:       s.notifier,
		Connections:    &s.connections,
		Buffers:        backend.NewBufferPool(),
	}, log.Named("smtp"))

	return nil
}

func (s *Service) newNotifier() (notify.Notifier, error) {
	switch s.cfg.NotifyProvider {
	case NotifyLog:
		return notify.NewLog(s.log.Named("notify")), nil
	case NotifySES:
		return notify.NewSES(context.Background(), notify.SESConfig{
			Region:          s.cfg.SESRegion,
			AccessKeyID:     s.cfg.SESAccessKeyID,
			SecretAccessKey: s.cfg.SESSecretAccessKey,
			Sender:          s.cfg.SESSender,
		}, s.log.Named("notify"))
	default:
		return nil, nil
	}
}

// Serve binds the listeners and starts serving. Bind failures are returned on
// the channel before Serve returns; later failures arrive asynchronously.
func (s *Service) Serve() chan error {
	errCh := make(chan error, 3)
	const op = errors.Op("service_serve")

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		errCh <- errors.E(op, err)
		return errCh
	}

	srv := smtp.NewServer(s.backend)
	srv.Domain = s.cfg.Hostname
	srv.ReadTimeout = s.cfg.ReadTimeout
	srv.WriteTimeout = s.cfg.WriteTimeout
	srv.MaxMessageBytes = s.cfg.MaxMessageSize
	srv.MaxRecipients = s.cfg.MaxRecipients

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.log.Info("starting SMTP server",
		zap.String("addr", ln.Addr().String()),
		zap.String("hostname", s.cfg.Hostname),
		zap.String("base_path", s.cfg.BasePath),
		zap.Int64("max_attachment_size", s.cfg.MaxAttachmentSize),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := srv.Serve(ln)
		if err != nil && !s.closing.Load() {
			s.log.Error("SMTP server stopped", zap.Error(err))
			errCh <- errors.E(op, err)
		}
	}()

	if s.cfg.MetricsAddr != "" {
		m, err := metrics.Listen(s.cfg.MetricsAddr, s.log.Named("metrics"))
		if err != nil {
			errCh <- errors.E(op, err)
			return errCh
		}
		s.mu.Lock()
		s.metrics = m
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := m.Serve(); err != nil {
				s.log.Error("metrics server stopped", zap.Error(err))
				errCh <- errors.E(op, err)
			}
		}()
	}

	if s.cfg.TestMode {
		s.startSender(ln.Addr())
	}

	return errCh
}

// startSender feeds synthetic scans to our own listener over loopback.
func (s *Service) startSender(addr net.Addr) {
	port := strconv.Itoa(s.cfg.Port)
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopSender = cancel
	s.mu.Unlock()

	sender := testsend.NewSender(net.JoinHostPort("127.0.0.1", port), s.log.Named("testsend"))
	s.log.Warn("test mode enabled, sending synthetic scans", zap.String("target", "127.0.0.1:"+port))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = sender.Run(ctx)
	}()
}

// Addr is the bound SMTP address, nil before Serve.
func (s *Service) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr is the bound metrics address, nil when disabled.
func (s *Service) MetricsAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Addr()
}

// Stop performs graceful shutdown
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing.Store(true)
	doneCh := make(chan struct{}, 1)

	go func() {
		if s.stopSender != nil {
			s.stopSender()
		}

		if s.server != nil {
			if err := s.server.Close(); err != nil {
				s.log.Error("failed to close SMTP server", zap.Error(err))
			}
		}

		if s.metrics != nil {
			if err := s.metrics.Shutdown(ctx); err != nil {
				s.log.Error("failed to stop metrics server", zap.Error(err))
			}
		}

		s.wg.Wait()

		if err := s.notifier.Wait(ctx); err != nil {
			s.log.Warn("pending notifications abandoned", zap.Error(err))
		}

		if err := s.journal.Close(); err != nil {
			s.log.Error("failed to close journal", zap.Error(err))
		}

		doneCh <- struct{}{}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
		if n := s.backend.ActiveSessions(); n > 0 {
			s.log.Warn("sessions still open at shutdown", zap.Int("count", n))
		}
		s.log.Info("SMTP service stopped gracefully")
		s.syncLog()
		return nil
	}
}

// Logger is the logger the service writes to, valid after Init.
func (s *Service) Logger() *zap.Logger {
	return s.log
}

func (s *Service) syncLog() {
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// Name returns service name
func (s *Service) Name() string {
	return serviceName
}
