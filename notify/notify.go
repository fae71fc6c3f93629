// Package notify tells recipients that scans have been filed for them.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mczdsm/HVlocalsmtp/intake"
)

// Delivery describes the files stored for one recipient by one message.
type Delivery struct {
	UUID      string
	Address   string
	Token     intake.RecipientToken
	Directory string
	Files     []intake.StoredFile
}

// Notifier is implemented by every notification provider.
type Notifier interface {
	// Notify informs the recipient of d. It may block on network I/O.
	Notify(ctx context.Context, d Delivery) error

	// Name returns the provider name.
	Name() string
}

// Address picks the notification address: token@domain when domain is set,
// otherwise the envelope recipient as received.
func Address(token intake.RecipientToken, domain, envelope string) string {
	if domain != "" {
		return string(token) + "@" + strings.TrimPrefix(domain, "@")
	}
	return envelope
}

// Subject is the notification subject line.
func Subject(d Delivery) string {
	if len(d.Files) == 1 {
		return "New scan: " + d.Files[0].Filename
	}
	return fmt.Sprintf("%d new scans", len(d.Files))
}

// Body is the plain text notification body.
func Body(d Delivery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The following files were saved to %s:\n\n", d.Directory)
	for _, f := range d.Files {
		fmt.Fprintf(&b, "  %s (%s, %d bytes)\n", f.Filename, f.ContentType, f.Size)
	}
	return b.String()
}

// Log writes notifications to the logger instead of sending them.
type Log struct {
	log *zap.Logger
}

// NewLog returns a provider that logs one INFO line per notification.
func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, d Delivery) error {
	names := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		names = append(names, f.Filename)
	}
	l.log.Info("scan notification",
		zap.String("uuid", d.UUID),
		zap.String("to", d.Address),
		zap.String("directory", d.Directory),
		zap.Strings("files", names),
	)
	return nil
}

func (l *Log) Name() string {
	return "log"
}

// Dispatcher runs notifications in the background so SMTP replies never wait
// on them. Failures are logged and dropped.
type Dispatcher struct {
	n       Notifier
	timeout time.Duration
	log     *zap.Logger

	// mu orders wg.Add in Dispatch against closing in Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher wraps n. Each notification gets at most timeout to finish.
func NewDispatcher(n Notifier, timeout time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{n: n, timeout: timeout, log: log}
}

// Dispatch starts a notification for d. A nil Dispatcher does nothing.
func (d *Dispatcher) Dispatch(del Delivery) {
	if d == nil || len(del.Files) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("notification dropped during shutdown",
			zap.String("uuid", del.UUID),
			zap.String("to", del.Address),
		)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.n.Notify(ctx, del); err != nil {
			d.log.Error("notification failed",
				zap.String("provider", d.n.Name()),
				zap.String("uuid", del.UUID),
				zap.String("to", del.Address),
				zap.Error(err),
			)
		}
	}()
}

// Wait stops accepting notifications and blocks until in-flight ones finish
// or ctx is done. Later Dispatch calls are dropped with a warning.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
