// Package events publishes sweep case lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the case status to form the subject.
const DefaultSubjectPrefix = "hexsweep.case"

// Event describes a case transition.
type Event struct {
	SweepID          string    `json:"sweep_id"`
	CaseIndex        int       `json:"case_index"`
	ResolutionIndex  int       `json:"resolution_index"`
	ResolutionMeters float64   `json:"resolution_meters,omitempty"`
	Workspace        string    `json:"workspace,omitempty"`
	Mode             string    `json:"mode"`
	Status           string    `json:"status"`
	MeshCells        int       `json:"mesh_cells,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher delivers case events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	Timeout       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
	Token         string
}

type conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSPublisher publishes JSON events on core NATS subjects
// <prefix>.<status>.
type NATSPublisher struct {
	nc     conn
	prefix string
	flush  time.Duration
}

// Connect dials NATS and returns a publisher.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "hexsweep"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := dialContext(ctx, func() (*nats.Conn, error) {
		return nats.Connect(cfg.URL, opts...)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connection cancelled: %w", err)
		}
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newNATSPublisher(nc, cfg.SubjectPrefix, cfg.Timeout), nil
}

type dialResult[C any] struct {
	c   C
	err error
}

// dialContext runs dial until it returns or ctx is done. A connection that
// arrives after the caller gave up is closed.
func dialContext[C interface{ Close() }](ctx context.Context, dial func() (C, error)) (C, error) {
	ch := make(chan dialResult[C])
	go func() {
		c, err := dial()
		select {
		case ch <- dialResult[C]{c: c, err: err}:
		case <-ctx.Done():
			if err == nil {
				c.Close()
			}
		}
	}()

	select {
	case <-ctx.Done():
		var zero C
		return zero, ctx.Err()
	case res := <-ch:
		return res.c, res.err
	}
}

func newNATSPublisher(nc conn, prefix string, flush time.Duration) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, flush: flush}
}

// Subject returns the subject an event with the given status is published on.
func (p *NATSPublisher) Subject(status string) string {
	return p.prefix + "." + status
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.Status), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(ev.Status), err)
	}
	return nil
}

// Close flushes pending messages and drains the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.FlushTimeout(p.flush); err != nil {
		return fmt.Errorf("flush NATS: %w", err)
	}
	return p.nc.Drain()
}
