// Package connmon watches host connectivity for the download manager.
package connmon

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor is the connectivity signal the manager subscribes to. Changes
// delivers transitions only: true when the network came back, false when
// it went away.
type Monitor interface {
	Changes() <-chan bool
	Online() bool
	Close()
}

// DefaultProbeURL is a well-known captive-portal check endpoint that
// answers 204 with an empty body.
const DefaultProbeURL = "https://connectivitycheck.gstatic.com/generate_204"

// Probe is a Monitor that polls an HTTP endpoint.
type Probe struct {
	url      string
	interval time.Duration
	client   *http.Client

	online  atomic.Bool
	changes chan bool
	done    chan struct{}
	once    sync.Once
}

var _ Monitor = (*Probe)(nil)

// NewProbe starts polling url every interval. The initial state is
// assumed online so startup does not pause everything before the first
// probe completes.
func NewProbe(url string, interval time.Duration) *Probe {
	if url == "" {
		url = DefaultProbeURL
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p := &Probe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		changes:  make(chan bool, 8),
		done:     make(chan struct{}),
	}
	p.online.Store(true)
	go p.loop()
	return p
}

func (p *Probe) Changes() <-chan bool { return p.changes }

func (p *Probe) Online() bool { return p.online.Load() }

func (p *Probe) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *Probe) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			now := p.check()
			if now != p.online.Load() {
				p.online.Store(now)
				select {
				case p.changes <- now:
				case <-p.done:
					return
				}
			}
		}
	}
}

func (p *Probe) check() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Stub is a hand-driven Monitor for tests and offline operation.
type Stub struct {
	online  atomic.Bool
	changes chan bool
}

var _ Monitor = (*Stub)(nil)

func NewStub(online bool) *Stub {
	s := &Stub{changes: make(chan bool, 8)}
	s.online.Store(online)
	return s
}

// Set flips the connectivity state, publishing a change on transitions.
func (s *Stub) Set(online bool) {
	if s.online.Swap(online) != online {
		s.changes <- online
	}
}

func (s *Stub) Changes() <-chan bool { return s.changes }
func (s *Stub) Online() bool         { return s.online.Load() }
func (s *Stub) Close()               {}
