// Package connectivity answers "is the backend reachable" before a send.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"time"
)

const defaultProbeTimeout = 2 * time.Second

// Static always reports the same answer.
type Static bool

func (s Static) Online(context.Context) bool { return bool(s) }

// BaseURLResolver returns the backend base URL, e.g. "https://example.org".
type BaseURLResolver interface {
	BaseURL(ctx context.Context) (string, error)
}

type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe opens and closes a TCP connection to the backend host.
type Probe struct {
	resolver BaseURLResolver
	dialer   dialer
	timeout  time.Duration
	log      *slog.Logger
}

func NewProbe(r BaseURLResolver, timeout time.Duration, logger *slog.Logger) (*Probe, error) {
	if r == nil {
		return nil, errors.New("connectivity: resolver must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		resolver: r,
		dialer:   &net.Dialer{},
		timeout:  timeout,
		log:      logger,
	}, nil
}

// Online reports false when the base URL cannot be resolved or the host
// refuses a connection within the timeout.
func (p *Probe) Online(ctx context.Context) bool {
	base, err := p.resolver.BaseURL(ctx)
	if err != nil {
		p.log.Warn("connectivity: resolve backend url", "err", err)
		return false
	}
	addr, err := hostPort(base)
	if err != nil {
		p.log.Warn("connectivity: invalid backend url", "url", base, "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.log.Info("connectivity: backend unreachable", "addr", addr, "err", err)
		return false
	}
	_ = conn.Close()
	return true
}

func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", errors.New("missing host")
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return "", errors.New("unsupported scheme " + u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
