// Package backend adapts the intake pipeline to github.com/emersion/go-smtp.
package backend

import (
	"sync"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/mczdsm/HVlocalsmtp/audit"
	"github.com/mczdsm/HVlocalsmtp/intake"
	"github.com/mczdsm/HVlocalsmtp/notify"
)

// Handler is the delivery pipeline as seen by a session.
type Handler interface {
	Handle(msg intake.Message) intake.Result
}

// Config carries everything a Backend needs. Journal and Notifier are optional.
type Config struct {
	MaxMessageSize int64
	MaxRecipients  int

	// NotifyDomain rewrites notification addresses to token@NotifyDomain.
	NotifyDomain string

	Pipeline Handler
	Journal  *audit.Journal
	Notifier *notify.Dispatcher

	// Connections tracks live sessions by uuid for graceful shutdown.
	Connections *sync.Map
	Buffers     *BufferPool
}

// Backend implements smtp.Backend interface from github.com/emersion/go-smtp
// It's responsible for creating new SMTP sessions for each connection
type Backend struct {
	cfg Config
	log *zap.Logger
}

// NewBackend creates a new SMTP backend
func NewBackend(cfg Config, log *zap.Logger) *Backend {
	if cfg.Connections == nil {
		cfg.Connections = &sync.Map{}
	}
	if cfg.Buffers == nil {
		cfg.Buffers = NewBufferPool()
	}
	return &Backend{cfg: cfg, log: log}
}

// NewSession creates a new SMTP session for an incoming connection
// Called by go-smtp library for each new connection
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return NewSession(c, b), nil
}

// ActiveSessions counts sessions that have not logged out yet.
func (b *Backend) ActiveSessions() int {
	n := 0
	b.cfg.Connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
