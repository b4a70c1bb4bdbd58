// Package server ties the runtime together: per-server lifecycle, the
// request dispatch pipeline, filter and authorization chains, the named
// cache registries, shared variables, the DNS cache and the log-file
// registry.
//
// The network driver is external: it accepts connections, parses request
// heads and hands IncomingRequests to Serve. Everything from admission
// control to the response bytes is owned here.
package server

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"servcore/internal/cache"
	"servcore/internal/dnscache"
	"servcore/internal/evalcache"
	"servcore/internal/form"
	"servcore/internal/mimetype"
	"servcore/internal/pool"
	"servcore/internal/reactor"
	"servcore/internal/response"
	"servcore/internal/sharedvars"
)

// Config is the per-server configuration the core recognizes.
type Config struct {
	Name    string
	Version string

	Realm              string
	StealthMode        bool
	CheckModifiedSince bool
	ErrorMinSize       int
	FilterRWLocks      bool
	HeaderCase         response.HeaderCase
	ExtraHeaders       map[string]string
	DriverHeaders      map[string]string
	EnableCORS         bool
	KeepAlive          bool

	CompressEnable  bool
	CompressLevel   int
	CompressMinSize int

	SharedVarBuckets int
	RedirectLimit    int
	MaxRanges        int

	DNS dnscache.Config

	// Pools maps URL prefixes to pool configurations; the empty prefix
	// (or "/") is the default pool.
	Pools map[string]pool.Config
}

// DefaultConfig returns a workable server configuration.
func DefaultConfig() Config {
	return Config{
		Name:             "servcore",
		Version:          "1.0",
		Realm:            "servcore",
		KeepAlive:        true,
		CompressLevel:    6,
		CompressMinSize:  512,
		ErrorMinSize:     512,
		SharedVarBuckets: sharedvars.DefaultBuckets,
		DNS:              dnscache.DefaultConfig(),
		Pools:            map[string]pool.Config{"": pool.DefaultConfig()},
	}
}

// Server is one application server instance.
type Server struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	router   chi.Router
	filters  *FilterTable
	auth     *AuthChain
	caches   *cache.Registry
	evals    *evalcache.Registry
	vars     *sharedvars.Pool
	dns      *dnscache.Resolver
	mime     *mimetype.Registry
	parser   *form.Parser
	redirect *response.Redirects
	logs     *LogRegistry
	reactor  *reactor.Reactor

	poolsByPrefix map[string]*pool.Pool
	defaultPool   *pool.Pool
	writerQueues  []*pool.WriterQueue

	releaseMu sync.Mutex
	releases  map[string]func() // registration key -> release callback

	started  time.Time
	stopping atomic.Bool
}

// New assembles a server from its configuration.
func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:           cfg,
		logger:        logger.Named(cfg.Name),
		tracer:        otel.Tracer("servcore/server"),
		filters:       NewFilterTable(cfg.FilterRWLocks),
		auth:          NewAuthChain(logger),
		caches:        cache.NewRegistry(logger),
		evals:         evalcache.NewRegistry(logger),
		vars:          sharedvars.NewPool(cfg.SharedVarBuckets),
		dns:           dnscache.New(cfg.DNS, logger),
		mime:          mimetype.NewRegistry(logger),
		redirect:      response.NewRedirects(cfg.RedirectLimit, logger),
		logs:          NewLogRegistry(logger),
		reactor:       reactor.New(logger),
		poolsByPrefix: make(map[string]*pool.Pool),
		releases:      make(map[string]func()),
	}
	s.parser = form.NewParser(s.mime, logger)

	router := chi.NewRouter()
	if cfg.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		}))
	}
	s.router = router

	for prefix, poolCfg := range cfg.Pools {
		name := prefix
		if name == "" || name == "/" {
			name = "default"
		}
		p := pool.New(name, poolCfg, s.servePooled, logger)
		if name == "default" {
			s.defaultPool = p
		} else {
			s.poolsByPrefix[prefix] = p
		}
	}
	if s.defaultPool == nil {
		s.defaultPool = pool.New("default", pool.DefaultConfig(), s.servePooled, logger)
	}
	return s
}

// Caches returns the plain cache registry.
func (s *Server) Caches() *cache.Registry { return s.caches }

// EvalCaches returns the scripted cache registry.
func (s *Server) EvalCaches() *evalcache.Registry { return s.evals }

// SharedVars returns the shared variable pool.
func (s *Server) SharedVars() *sharedvars.Pool { return s.vars }

// DNS returns the resolver cache.
func (s *Server) DNS() *dnscache.Resolver { return s.dns }

// MimeTypes returns the MIME and encoding registry.
func (s *Server) MimeTypes() *mimetype.Registry { return s.mime }

// Filters returns the filter table.
func (s *Server) Filters() *FilterTable { return s.filters }

// Auth returns the authorization chains.
func (s *Server) Auth() *AuthChain { return s.auth }

// Redirects returns the administrative status redirect map.
func (s *Server) Redirects() *response.Redirects { return s.redirect }

// Logs returns the log-file registry.
func (s *Server) Logs() *LogRegistry { return s.logs }

// Reactor returns the socket-callback reactor.
func (s *Server) Reactor() *reactor.Reactor { return s.reactor }

// Pools returns every pool, default included.
func (s *Server) Pools() []*pool.Pool {
	pools := []*pool.Pool{s.defaultPool}
	for _, p := range s.poolsByPrefix {
		pools = append(pools, p)
	}
	return pools
}

// Start launches the worker pools and writer queues.
func (s *Server) Start() {
	s.started = time.Now()
	for _, p := range s.Pools() {
		p.Start()
		s.writerQueues = append(s.writerQueues, pool.NewWriterQueue(p, 1, s.logger))
	}
	s.logger.Info("server: started",
		zap.String("server", s.cfg.Name),
		zap.Int("pools", len(s.Pools())),
	)
}

// Stop shuts the server down: pools drain with a deadline, the reactor
// stops, extension registrations release, and log files close.
func (s *Server) Stop(deadline time.Time) {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("server: stopping", zap.String("server", s.cfg.Name))

	for _, p := range s.Pools() {
		if !p.Stop(deadline) {
			s.logger.Warn("server: pool abandoned", zap.String("pool", p.Name()))
		}
	}
	for _, wq := range s.writerQueues {
		wq.Stop(deadline)
	}
	s.reactor.Shutdown(deadline)

	s.releaseMu.Lock()
	for _, release := range s.releases {
		release()
	}
	s.releases = map[string]func(){}
	s.releaseMu.Unlock()
	s.filters.ReleaseAll()

	s.logs.CloseAll()
	s.logger.Info("server: stopped", zap.String("server", s.cfg.Name))
}

// HandlerProc is an extension request handler.
type HandlerProc func(rc *RequestCtx, userData any)

// Register binds a handler to method and URL pattern, with opaque user
// data and a release callback that runs at teardown or when the same
// method/pattern is re-registered.
func (s *Server) Register(method, pattern string, proc HandlerProc, userData any, release func()) {
	key := method + " " + pattern
	s.releaseMu.Lock()
	if prev, ok := s.releases[key]; ok && prev != nil {
		prev()
	}
	if release != nil {
		s.releases[key] = release
	} else {
		delete(s.releases, key)
	}
	s.releaseMu.Unlock()

	s.router.Method(method, pattern, &handlerAdapter{s: s, proc: proc, userData: userData})
}

// poolFor picks the pool serving a URL path: the longest registered
// prefix wins, the default pool covers the rest.
func (s *Server) poolFor(urlPath string) *pool.Pool {
	best := s.defaultPool
	bestLen := -1
	for prefix, p := range s.poolsByPrefix {
		if len(prefix) > bestLen && hasPrefixSegment(urlPath, prefix) {
			best = p
			bestLen = len(prefix)
		}
	}
	return best
}

func hasPrefixSegment(urlPath, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if len(urlPath) < len(prefix) || urlPath[:len(prefix)] != prefix {
		return false
	}
	return len(urlPath) == len(prefix) || urlPath[len(prefix)] == '/'
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Info is the runtime information surface.
type Info struct {
	Name    string
	Version string
	Uptime  time.Duration
	Pools   map[string]pool.Stats
}

// Info returns a snapshot of the server state.
func (s *Server) Info() Info {
	pools := make(map[string]pool.Stats)
	for _, p := range s.Pools() {
		pools[p.Name()] = p.Stats()
	}
	return Info{
		Name:    s.cfg.Name,
		Version: s.cfg.Version,
		Uptime:  s.Uptime(),
		Pools:   pools,
	}
}

// queuedRequest carries one admitted request through the pool.
type queuedRequest struct {
	wire io.Writer
	req  *IncomingRequest
	done chan struct{}
}

// servePooled is the pool's ServeFunc: it runs the dispatch pipeline for
// one dequeued connection.
func (s *Server) servePooled(conn *pool.Conn) {
	qr := conn.Arg.(*queuedRequest)
	defer close(qr.done)
	s.dispatch(qr.wire, qr.req, conn)
}
