package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nearforge/ftgate/log"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log

	// defaultThrottle bounds concurrent request handling when the
	// configuration does not set a queue concurrency.
	defaultThrottle = 50

	// handlerTimeout is the hard per-request deadline; direct transfers
	// are the slowest path and must finish inside it.
	handlerTimeout = 45 * time.Second
)

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host string
	Port int
	Core Core // Gateway surface served by the handlers
	// QueueConcurrency bounds concurrently processed requests; further
	// requests queue in a bounded backlog.
	QueueConcurrency int
}

// API type represents the API HTTP server for the transfer gateway.
type API struct {
	router   *chi.Mux
	core     Core
	srv      *http.Server
	throttle int
}

// New creates a new API instance with the given configuration and starts
// the HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Core == nil {
		return nil, fmt.Errorf("missing gateway core")
	}
	a := &API{
		core:     conf.Core,
		throttle: conf.QueueConcurrency,
	}
	if a.throttle <= 0 {
		a.throttle = defaultThrottle
	}

	// Initialize router
	a.initRouter()

	a.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// Stop shuts the HTTP server down, waiting for inflight requests until the
// context expires.
func (a *API) Stop(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	// transfer endpoints
	log.Infow("register handler", "endpoint", TransferEndpoint, "method", "POST")
	a.router.Post(TransferEndpoint, a.submitTransfer)
	log.Infow("register handler", "endpoint", BulkTransferEndpoint, "method", "POST")
	a.router.Post(BulkTransferEndpoint, a.submitBulkTransfer)
	log.Infow("register handler", "endpoint", DirectTransferEndpoint, "method", "POST")
	a.router.Post(DirectTransferEndpoint, a.submitDirectTransfer)
	log.Infow("register handler", "endpoint", TransferStatusEndpoint, "method", "GET")
	a.router.Get(TransferStatusEndpoint, a.transferStatus)
	// observability endpoints
	log.Infow("register handler", "endpoint", HealthEndpoint, "method", "GET")
	a.router.Get(HealthEndpoint, a.health)
	log.Infow("register handler", "endpoint", MetricsEndpoint, "method", "GET")
	a.router.Get(MetricsEndpoint, a.metrics)
	log.Infow("register handler", "endpoint", StatusEndpoint, "method", "GET")
	a.router.Get(StatusEndpoint, a.status)
	log.Infow("register handler", "endpoint", BountyStatusEndpoint, "method", "GET")
	a.router.Get(BountyStatusEndpoint, a.bountyStatus)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.ThrottleBacklog(a.throttle, a.throttle*10, 10*time.Second))
	a.router.Use(middleware.Timeout(handlerTimeout))

	a.registerHandlers()
}
