package reachability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/telemetry"
)

const (
	DefaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
)

// ProbeConfig configures an HTTP reachability probe.
type ProbeConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// Token, if set, is sent as a bearer token.
	Token string
}

// Probe polls an endpoint with HEAD requests. The endpoint is reachable when
// any response arrives with a status below 500.
type Probe struct {
	subs subscribers

	url       string
	interval  time.Duration
	client    *http.Client
	telemetry *telemetry.Telemetry

	mu        sync.RWMutex
	reachable bool
}

var _ Monitor = (*Probe)(nil)

// NewProbe creates a probe that assumes the endpoint is reachable until the
// first check says otherwise.
func NewProbe(cfg ProbeConfig, tel *telemetry.Telemetry) (*Probe, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("reachability probe URL is not set")
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := &http.Client{Timeout: cfg.Timeout}

	if cfg.Token != "" {
		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		client = oauth2.NewClient(context.Background(), tokenSource)
		client.Timeout = cfg.Timeout
	}

	return &Probe{
		url:       cfg.URL,
		interval:  cfg.Interval,
		client:    client,
		telemetry: tel,
		reachable: true,
	}, nil
}

func (p *Probe) IsReachable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.reachable
}

func (p *Probe) OnChange(fn func(reachable bool)) func() {
	return p.subs.add(fn)
}

// Run checks the endpoint immediately and then every interval until ctx is
// done.
func (p *Probe) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("watching reachability", "url", p.url, "polling_interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down reachability probe")

			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check probes the endpoint once and announces a transition if the result
// differs from the current state.
func (p *Probe) Check(ctx context.Context) bool {
	reachable := p.probe(ctx)

	if ctx.Err() != nil {
		return p.IsReachable()
	}

	p.subs.notify.Lock()
	defer p.subs.notify.Unlock()

	p.mu.Lock()
	changed := p.reachable != reachable
	p.reachable = reachable
	p.mu.Unlock()

	if changed {
		logctx.LoggerFromContext(ctx).Warn("reachability changed", "url", p.url, "reachable", reachable)
		p.telemetry.RecordReachability(ctx, reachable)
		p.subs.broadcast(reachable)
	}

	return reachable
}

func (p *Probe) probe(ctx context.Context) bool {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		logger.Error("failed to build reachability request", "url", p.url, "err", err)

		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logger.Debug("reachability probe failed", "url", p.url, "err", err)

		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}
