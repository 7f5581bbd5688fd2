package admin

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exp-platform/core/internal/log"
)

const (
	DefaultAdminAddr = ":6060"
)

// ServerArgs contain optional configuration for the admin server.
type ServerArgs struct {
	// AdminAddr is a custom address for the admin server. Defaults to DefaultAdminAddr (port 6060 on every interface) if not set.
	AdminAddr string
	// HealthCheckFn is the HTTP handler for /health, which should report
	// whether the process itself is up.
	HealthCheckFn func(w http.ResponseWriter, r *http.Request)
	// ReadyCheckFn is the HTTP handler for /ready, which should additionally
	// verify the Postgres pool and the Redis client respond, so a load balancer can hold back traffic during
	// startup or a dependency outage. Optional; if nil, /ready mirrors
	// /health.
	ReadyCheckFn func(w http.ResponseWriter, r *http.Request)
	// Logger receives the "admin server serving"/"admin server exited"
	// lines instead of going through package-level log functions, so tests
	// and alternate entrypoints can capture or silence them.
	Logger log.Wrapper
}

// NewServer returns a new admin server for internal functionality.
func NewServer(args *ServerArgs) *Server {
	adminAddr := args.AdminAddr
	if args.AdminAddr == "" {
		adminAddr = DefaultAdminAddr
	}
	logger := args.Logger
	if logger == nil {
		logger = log.NopWrapper
	}

	return &Server{
		adminAddr:     adminAddr,
		healthCheckFn: args.HealthCheckFn,
		readyCheckFn:  args.ReadyCheckFn,
		logger:        logger,
	}
}

type Server struct {
	adminAddr     string
	healthCheckFn func(w http.ResponseWriter, r *http.Request)
	readyCheckFn  func(w http.ResponseWriter, r *http.Request)
	logger        log.Wrapper
}

// Serve starts an HTTP server for internal functions:
//    metrics  - serve /metrics for prometheus
//    health   - serve /health for liveness
//    ready    - serve /ready for readiness (Postgres + Redis reachability)
//    pprof    - https://blog.golang.org/pprof
// Default server address is http://localhost:6060.
func (s *Server) Serve() {
	go func() {
		mux := http.NewServeMux()
		if s.healthCheckFn != nil {
			mux.HandleFunc("/health", s.healthCheckFn)
		}
		ready := s.readyCheckFn
		if ready == nil {
			ready = s.healthCheckFn
		}
		if ready != nil {
			mux.HandleFunc("/ready", ready)
		}
		mux.Handle("/metrics", promhttp.Handler())

		ctx := context.Background()
		s.logger.Log(ctx, "admin: serving on "+s.adminAddr)
		err := http.ListenAndServe(s.adminAddr, mux)
		s.logger.Log(ctx, "admin: http serve exited: "+errString(err))
	}()
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
