package nearclient

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// endpointCooldown is how long a disabled endpoint stays out of rotation.
const endpointCooldown = 30 * time.Second

// Endpoint is one pooled connection to a node. Each endpoint owns its HTTP
// client so concurrent callers never contend on a single transport; the
// transports are pinned to HTTP/1.1 with a bounded connection count.
type Endpoint struct {
	URI        string
	hc         *http.Client
	disabledAt time.Time // zero if never disabled
}

func newEndpoint(uri string) *Endpoint {
	return &Endpoint{
		URI: uri,
		hc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				MaxConnsPerHost:     8,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				// Force HTTP/1.1; the pool, not the transport, provides
				// request parallelism.
				TLSNextProto: make(map[string]func(string, *tls.Conn) http.RoundTripper),
			},
		},
	}
}

// Pool is a set of endpoints handed out in round-robin fashion. A failing
// endpoint can be disabled; it re-enters rotation after a cooldown, or
// immediately if nothing else is left.
type Pool struct {
	nextIndex int
	available []*Endpoint
	disabled  []*Endpoint
	mtx       sync.Mutex
}

// NewPool builds size endpoints spread round-robin over the given URIs.
func NewPool(uris []string, size int) (*Pool, error) {
	if len(uris) == 0 {
		return nil, fmt.Errorf("no node URIs provided")
	}
	if size < 1 {
		size = 1
	}
	p := &Pool{
		available: make([]*Endpoint, 0, size),
		disabled:  make([]*Endpoint, 0),
	}
	for i := 0; i < size; i++ {
		p.available = append(p.available, newEndpoint(uris[i%len(uris)]))
	}
	return p, nil
}

// Available returns the number of endpoints in rotation.
func (p *Pool) Available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.available)
}

// Disabled returns the number of endpoints sitting out a cooldown.
func (p *Pool) Disabled() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.disabled)
}

// Next returns the next endpoint in round-robin order, first re-enabling any
// endpoints whose cooldown has passed.
func (p *Pool) Next() (*Endpoint, error) {
	if p == nil {
		return nil, fmt.Errorf("nil endpoint pool")
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.checkCooldowns()

	l := len(p.available)
	if l == 0 {
		return nil, fmt.Errorf("no available endpoints")
	}
	// nextIndex is kept in bounds by Disable and by the wrap below, so the
	// pick is always valid while the available list is non-empty.
	current := p.available[p.nextIndex]
	if p.nextIndex++; p.nextIndex >= l {
		p.nextIndex = 0
	}
	return current, nil
}

// checkCooldowns moves endpoints whose cooldown has elapsed back into the
// available list. Must be called with the mutex held.
func (p *Pool) checkCooldowns() {
	if len(p.disabled) == 0 {
		return
	}
	now := time.Now()
	var stillDisabled []*Endpoint
	for _, ep := range p.disabled {
		if now.Sub(ep.disabledAt) >= endpointCooldown {
			ep.disabledAt = time.Time{}
			p.available = append(p.available, ep)
		} else {
			stillDisabled = append(stillDisabled, ep)
		}
	}
	p.disabled = stillDisabled
}

// Disable takes the first available endpoint with the given URI out of
// rotation. If that empties the pool, every disabled endpoint is revived at
// once so callers are never left without a connection.
func (p *Pool) Disable(uri string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	index := -1
	for i, e := range p.available {
		if e.URI == uri {
			index = i
			break
		}
	}
	if index == -1 {
		return
	}

	ep := p.available[index]
	ep.disabledAt = time.Now()
	p.available = append(p.available[:index], p.available[index+1:]...)
	p.disabled = append(p.disabled, ep)

	if p.nextIndex == index {
		p.nextIndex++
	} else if p.nextIndex > index {
		p.nextIndex--
	}

	if len(p.available) == 0 {
		p.nextIndex = 0
		p.available = append(p.available, p.disabled...)
		p.disabled = make([]*Endpoint, 0)
		for _, e := range p.available {
			e.disabledAt = time.Time{}
		}
	} else if p.nextIndex >= len(p.available) {
		p.nextIndex = 0
	}
}

// Close releases idle connections on every endpoint.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, ep := range append(p.available, p.disabled...) {
		ep.hc.CloseIdleConnections()
	}
}
