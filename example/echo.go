package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/rofsock"
)

// controller greets every switch and answers its echo requests.
type controller struct {
	logger rofsock.Logger
}

func (c *controller) OnConnected(s *rofsock.Session) {
	c.logger.Info("switch connected", "session", s.ID())
	_ = s.Enqueue(&rofsock.Message{
		Version: s.Version(),
		Type:    rofsock.TypeHello,
		Xid:     s.NextXid(),
		Kind:    rofsock.KindHello,
	})
}

func (c *controller) OnConnectRefused(s *rofsock.Session) {
	c.logger.Warn("switch refused connection", "session", s.ID())
}

func (c *controller) OnClosed(s *rofsock.Session) {
	c.logger.Info("switch disconnected", "session", s.ID())
}

func (c *controller) OnMessage(s *rofsock.Session, m *rofsock.Message) {
	switch m.Kind {
	case rofsock.KindEchoRequest:
		_ = s.Enqueue(rofsock.NewEchoReply(m))
	case rofsock.KindHello:
		c.logger.Info("hello received", "session", s.ID(), "version", m.Version)
	default:
		c.logger.Debug("message received", "session", s.ID(), "message", m.String())
	}
}

// loadConfig reads path. A missing file falls back to the defaults on a
// loopback listener; any other failure is returned with the defaults so
// a logger can still be built to report it.
func loadConfig(path string) (cfg rofsock.Config, found bool, err error) {
	cfg, err = rofsock.LoadConfig(path)
	if err == nil {
		return cfg, true, nil
	}
	cfg = rofsock.DefaultConfig()
	cfg.Listen = "127.0.0.1:6653"
	if errors.Is(err, os.ErrNotExist) {
		return cfg, false, nil
	}
	return cfg, false, err
}

func main() {
	path := flag.String("config", "example/config.toml", "path to the TOML config")
	flag.Parse()

	cfg, found, cfgErr := loadConfig(*path)

	logger, err := cfg.Log.NewLogger(os.Stdout)
	if err != nil {
		panic(err)
	}
	if cfgErr != nil {
		logger.Error("failed to load config", "path", *path, "error", cfgErr)
		return
	}
	if !found {
		logger.Warn("config not found, using defaults", "path", *path, "listen", cfg.Listen)
	}

	registry := prometheus.NewRegistry()
	metrics, err := rofsock.NewMetricsObserver(registry, cfg.Metrics.Namespace)
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		return
	}
	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Listen)
	if err != nil {
		logger.Error("invalid listen address", "addr", cfg.Listen, "error", err)
		return
	}

	serverOpts := []rofsock.ServerOption{rofsock.ServerLoggerOption(logger)}
	tlsCfg, err := cfg.Transport.TLS.ServerTLS()
	if err != nil {
		logger.Error("invalid tls config", "error", err)
		return
	}
	if tlsCfg != nil {
		serverOpts = append(serverOpts, rofsock.ServerTLSOption(tlsCfg))
	}

	server, err := rofsock.New(addr, serverOpts...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down server...")
		cancel()
	}()

	opts := append(cfg.Options(),
		rofsock.LoggerOption(logger),
		rofsock.ObserverOption(rofsock.MultiObserver(rofsock.NewLogObserver(logger), metrics)),
	)
	handler := rofsock.NewSessionHandler(&controller{logger: logger}, opts...)

	if err := server.Serve(ctx, handler); err != nil && err != context.Canceled {
		logger.Error("server error", "error", err)
	}
}
