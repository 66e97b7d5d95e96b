package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/nearforge/ftgate/api"
	"github.com/nearforge/ftgate/log"
)

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	core        api.Core
	API         *api.API
	mu          sync.Mutex
	cancel      context.CancelFunc
	host        string
	port        int
	concurrency int
}

// NewAPI creates a new APIService serving the given gateway core.
func NewAPI(core api.Core, host string, port, concurrency int, disableLogging bool) *APIService {
	if disableLogging {
		api.DisabledLogging = disableLogging
		log.Debugw("API logging is disabled")
	}
	return &APIService{
		core:        core,
		host:        host,
		port:        port,
		concurrency: concurrency,
	}
}

// Start begins the API server. It returns an error if the service
// is already running or if it fails to start.
func (as *APIService) Start(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		return fmt.Errorf("service already running")
	}

	_, as.cancel = context.WithCancel(ctx)

	var err error
	as.API, err = api.New(&api.APIConfig{
		Host:             as.host,
		Port:             as.port,
		Core:             as.core,
		QueueConcurrency: as.concurrency,
	})
	if err != nil {
		as.cancel = nil
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop halts the API server, waiting for inflight requests until the
// context expires.
func (as *APIService) Stop(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel == nil {
		return nil
	}
	as.cancel()
	as.cancel = nil
	if as.API == nil {
		return nil
	}
	return as.API.Stop(ctx)
}

// HostPort returns the host and port of the API server.
func (as *APIService) HostPort() (string, int) {
	return as.host, as.port
}
