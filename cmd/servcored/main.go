// Command servcored runs the application server with a plain HTTP driver
// in front of the core runtime.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"servcore/internal/config"
	"servcore/internal/observability"
	"servcore/internal/response"
	"servcore/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "servcored: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "servcored: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	srv := server.New(serverConfig(cfg), logger)
	for ext, mimeType := range cfg.Server.MimeTypes {
		srv.MimeTypes().AddType(ext, mimeType)
	}
	srv.Start()

	// Optional hot reload of the MIME extension table. Other settings,
	// extra headers included, take effect only on restart.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(sc config.ServerConfig) {
			for ext, mimeType := range sc.MimeTypes {
				srv.MimeTypes().AddType(ext, mimeType)
			}
		}, logger)
		if err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		observability.NewCacheCollector(srv.Caches()),
		observability.NewPoolCollector(srv.Pools),
	)

	httpSrv := &http.Server{
		Addr:    cfg.Address,
		Handler: driver{srv: srv, metrics: promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})},
	}

	go func() {
		logger.Info("servcored: listening", zap.String("address", cfg.Address))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("servcored: listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("servcored: shutting down")
	_ = httpSrv.Close()
	srv.Stop(time.Now().Add(30 * time.Second))
}

// driver adapts net/http into the runtime's driver interface: it parses
// the request head, buffers the body and hands the request to the core.
type driver struct {
	srv     *server.Server
	metrics http.Handler
}

func (d driver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" {
		d.metrics.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	req := &server.IncomingRequest{
		Method: r.Method,
		RawURL: r.URL.RequestURI(),
		Major:  r.ProtoMajor,
		Minor:  r.ProtoMinor,
		Header: r.Header,
		Body:   body,
		Peer:   r.RemoteAddr,
	}

	// The core writes raw HTTP/1.x bytes; hijack the socket so they
	// reach the client unfiltered.
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "driver requires hijackable connections", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	_ = d.srv.Serve(bufrw, req)
	_ = bufrw.Flush()
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Environment == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err == nil {
		zcfg.Level = level
	}
	return zcfg.Build()
}

func serverConfig(cfg config.Config) server.Config {
	sc := server.DefaultConfig()
	sc.Name = cfg.ServerName
	sc.Version = cfg.Version
	sc.Realm = cfg.Server.Realm
	sc.StealthMode = cfg.Server.StealthMode
	sc.CheckModifiedSince = cfg.Server.CheckModifiedSince
	sc.ErrorMinSize = cfg.Server.ErrorMinSize
	sc.FilterRWLocks = cfg.Server.FilterRWLocks
	sc.ExtraHeaders = cfg.Server.ExtraHeaders
	sc.EnableCORS = cfg.Server.EnableCORS
	sc.CompressEnable = cfg.Server.CompressEnable
	sc.CompressLevel = cfg.Server.CompressLevel
	sc.CompressMinSize = cfg.CompressMinSizeBytes()
	if cfg.Server.SharedVarBuckets > 0 {
		sc.SharedVarBuckets = cfg.Server.SharedVarBuckets
	}
	if cfg.Server.RedirectLimit > 0 {
		sc.RedirectLimit = cfg.Server.RedirectLimit
	}
	switch cfg.Server.HeaderCase {
	case "tolower":
		sc.HeaderCase = response.HeaderCaseToLower
	case "toupper":
		sc.HeaderCase = response.HeaderCaseToUpper
	}
	sc.DNS = cfg.DNSConfigRuntime()
	sc.Pools = cfg.PoolConfigs()
	return sc
}
