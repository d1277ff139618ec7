// Package mcp is mcpkit's embedding surface: construct a Router, register
// tools, prompts, and resource templates against it, then serve it over
// Streamable HTTP or line-delimited stdio.
//
// Grounded on the teacher's pkg/mcp/server.go Server type — a
// constructor that wires the registry, the NATS-backed tracker, and an
// echo.Echo together, with RegisterRoutes mounting the MCP surface onto
// it — generalized from contextd's fixed, compiled-in tool set to an
// embedding application's own RegisterTool/RegisterPrompt/
// RegisterResourceTemplate calls. The graceful start/shutdown sequence
// is grounded on pkg/server/server.go's Start(ctx).
package mcp

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpkit/internal/config"
	"github.com/fyrsmithlabs/mcpkit/internal/metrics"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/dispatch"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/registry"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/session"
	"github.com/fyrsmithlabs/mcpkit/pkg/mcp/tracker"
	httptransport "github.com/fyrsmithlabs/mcpkit/pkg/mcp/transport/http"
	stdiotransport "github.com/fyrsmithlabs/mcpkit/pkg/mcp/transport/stdio"
)

// Options configures a Router.
type Options struct {
	// Config is the process-wide configuration; a nil Config loads one
	// from the environment via config.Load().
	Config *config.Config
	// Logger is the ambient structured logger; a nil Logger defaults to
	// zap.NewNop().
	Logger *zap.Logger

	ServerName    string
	ServerVersion string
	Instructions  string

	// CursorSecret signs list-page cursors (spec.md §4.7); a nil secret
	// is generated randomly at startup, which is fine for a single
	// process but will reject cursors minted by a different process in
	// a clustered deployment — supply one explicitly there.
	CursorSecret []byte

	// Connect authorizes a new HTTP session before it is created; a nil
	// Connect accepts every connection with no allow-list restriction.
	Connect httptransport.ConnectFunc
	// Terminate runs on an explicit HTTP DELETE for a session.
	Terminate httptransport.TerminateFunc
	// ListResources answers resources/list for statically addressable
	// (non-templated) resources; nil yields an empty list.
	ListResources dispatch.ListResourcesFunc
}

// Router is the focal embedding type: one Registry, one Dispatcher, and
// an optional cluster Tracker, servable over either transport.
type Router struct {
	cfg *config.Config
	log *zap.Logger

	reg  *registry.Registry
	trk  *tracker.Tracker
	disp *dispatch.Dispatcher

	metricsReg *prometheus.Registry

	connect   httptransport.ConnectFunc
	terminate httptransport.TerminateFunc

	sessMu   sync.Mutex
	sessions map[string]*session.Session
}

// NewRouter constructs a Router. It dials the configured Tracker NATS URL
// (if any) but does not start serving; call ServeHTTP or ServeStdio (or
// both, concurrently, for a router shared across transports) once tools
// are registered.
func NewRouter(opts Options) (*Router, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var nc *nats.Conn
	if cfg.Tracker.NATSURL != "" {
		conn, err := nats.Connect(cfg.Tracker.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("mcpkit: connect tracker nats: %w", err)
		}
		nc = conn
	}
	trk := tracker.New(nc, logger)

	reg := registry.New()
	disp := dispatch.New(reg, trk, opts.ServerName, opts.ServerVersion)
	disp.Instructions = opts.Instructions
	cursorSecret := opts.CursorSecret
	if cursorSecret == nil {
		cursorSecret = make([]byte, 32)
		if _, err := rand.Read(cursorSecret); err != nil {
			return nil, fmt.Errorf("mcpkit: generate cursor secret: %w", err)
		}
	}
	disp.CursorSecret = cursorSecret
	disp.ListResources = opts.ListResources
	metricsReg := prometheus.NewRegistry()
	disp.Metrics = metrics.New(metricsReg)

	r := &Router{
		cfg:        cfg,
		log:        logger,
		reg:        reg,
		trk:        trk,
		disp:       disp,
		metricsReg: metricsReg,
		connect:    opts.Connect,
		terminate:  opts.Terminate,
		sessions:   make(map[string]*session.Session),
	}
	reg.OnChange = func(ev registry.ChangeEvent) {
		kind := string(ev.Kind)
		if ev.Kind == registry.KindResourceTemplate {
			kind = "resources"
		}
		r.broadcastListChanged(kind)
	}
	return r, nil
}

// RegisterTool adds a tool to the catalog (spec.md §4.1's register
// operation, scoped to one table).
func (r *Router) RegisterTool(t *registry.Tool) error { return r.reg.AddTool(t) }

// RegisterPrompt adds a prompt to the catalog.
func (r *Router) RegisterPrompt(p *registry.Prompt) error { return r.reg.AddPrompt(p) }

// RegisterResourceTemplate adds a resource template to the catalog.
func (r *Router) RegisterResourceTemplate(rt *registry.ResourceTemplate) error {
	return r.reg.AddResourceTemplate(rt)
}

// Init marks the registry initialized. Call it once, after the last
// RegisterTool/RegisterPrompt/RegisterResourceTemplate call and before
// serving.
func (r *Router) Init() { r.reg.Init() }

// Registry exposes the underlying catalog for advanced callers (tests,
// introspection tooling).
func (r *Router) Registry() *registry.Registry { return r.reg }

// Tracker exposes the underlying cluster tracker.
func (r *Router) Tracker() *tracker.Tracker { return r.trk }

// Dispatcher exposes the underlying method table.
func (r *Router) Dispatcher() *dispatch.Dispatcher { return r.disp }

func (r *Router) sessionConfig() session.Config {
	return session.Config{
		PingInterval:       r.cfg.Session.PingInterval.Duration(),
		InactivityTimeout:  r.cfg.Server.SessionTimeout.Duration(),
		ElicitationTimeout: r.cfg.Session.ElicitationTimeout.Duration(),
		MailboxSize:        r.cfg.Session.MailboxSize,
	}
}

func (r *Router) trackSession(s *session.Session) {
	r.sessMu.Lock()
	r.sessions[s.ID] = s
	r.sessMu.Unlock()
}

func (r *Router) untrackSession(id string) {
	r.sessMu.Lock()
	delete(r.sessions, id)
	r.sessMu.Unlock()
	r.disp.CleanupSession(id)
}

// broadcastListChanged fans a catalog change out to every locally held
// session whose allow-list for kind is nil (spec.md §4.6 point 7); each
// Session itself re-checks its allow-list before emitting.
func (r *Router) broadcastListChanged(kind string) {
	r.sessMu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessMu.Unlock()

	for _, s := range sessions {
		s.PostListChanged(kind)
	}
}

func originPolicy(cfg *config.Config) httptransport.OriginPolicy {
	all, list := cfg.Server.OriginList()
	if all {
		return httptransport.AllOrigins()
	}
	return httptransport.AllowOrigins(list...)
}

// ServeHTTP builds the Streamable HTTP binding (spec.md §4.8), mounts it
// alongside /healthz and (unless a dedicated metrics address is
// configured) /metrics, and blocks until ctx is canceled, gracefully
// shutting down within the configured shutdown timeout.
func (r *Router) ServeHTTP(ctx context.Context) error {
	tr := httptransport.New(httptransport.Options{
		Origins:        originPolicy(r.cfg),
		ValidateOrigin: r.cfg.Server.ValidateOrigin,
		MaxRequestSize: r.cfg.Server.MaxRequestSize,
		SessionConfig:  r.sessionConfig(),
		Dispatch:       r.disp.Handle,
		Tracker:        r.trk,
		Connect:        r.connect,
		Terminate:      r.terminate,
		OnSessionStart: r.trackSession,
		OnSessionEnd:   r.untrackSession,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	metricsHandler := promhttp.HandlerFor(r.metricsReg, promhttp.HandlerOpts{})

	var metricsSrv *http.Server
	if r.cfg.Observability.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: r.cfg.Observability.MetricsAddr, Handler: metricsHandler}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.log.Warn("mcpkit: metrics listener failed", zap.Error(err))
			}
		}()
	} else {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	tr.Register(e, "/mcp")

	addr := fmt.Sprintf(":%d", r.cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(addr) }()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		serveErr = e.Shutdown(shutdownCtx)
	}

	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	if r.trk.Available() {
		// best-effort: the underlying *nats.Conn isn't exposed by Tracker,
		// so connection teardown is the embedding application's concern if
		// it dialed NATS itself and handed mcpkit a Config pointing at it.
		_ = serveErr
	}
	return serveErr
}

// ServeStdio builds the line-delimited binding (spec.md §4.9) over
// os.Stdin/os.Stdout and blocks until stdin reaches EOF or fails.
// Canceling ctx closes the session but does not interrupt a pending read.
func (r *Router) ServeStdio(ctx context.Context) error {
	tr := stdiotransport.New(stdiotransport.Options{
		Reader:         os.Stdin,
		Writer:         os.Stdout,
		SessionConfig:  r.sessionConfig(),
		Dispatch:       r.disp.Handle,
		OnSessionStart: r.trackSession,
		OnSessionEnd:   r.untrackSession,
	})
	return tr.Run(ctx)
}
