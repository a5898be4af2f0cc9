package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/funkey/resync/internal/config"
	"github.com/funkey/resync/internal/logging"
	"github.com/funkey/resync/internal/metrics"
	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/render"
	"github.com/funkey/resync/pkg/tree"
)

// session is an open document store, either on the device or in a local
// directory.
type session struct {
	cfg       *config.Config
	log       *zap.Logger
	transport client.Transport
	device    *client.Device
}

func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogFile,
	})
}

func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	s := &session{cfg: cfg, log: logging.L()}

	if cfg.LocalRoot != "" {
		local, err := client.NewLocal(cfg.LocalRoot)
		if err != nil {
			return nil, err
		}
		s.log.Info("using local document directory", logging.String("dir", cfg.LocalRoot))
		s.transport = local
		return s, nil
	}

	ccfg := clientConfig(cfg)
	if cfg.Address == "auto" {
		addr, err := client.Discover(ctx, ccfg, logging.Named("find"))
		if err != nil {
			return nil, err
		}
		ccfg.Address = addr
		if cfg.WebURL == render.DefaultWebURL {
			cfg.WebURL = "http://" + addr
		}
	}

	dev, err := client.Dial(ctx, ccfg, logging.Named("client"))
	if err != nil {
		return nil, err
	}
	s.device = dev
	s.transport = dev.Transport()
	return s, nil
}

func clientConfig(cfg *config.Config) client.Config {
	ccfg := cfg.Client()
	if cfg.AskPassword {
		ccfg.Password = promptPassword
	}
	return ccfg
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// scan reads the document tree.
func (s *session) scan() (*tree.Store, error) {
	start := time.Now()
	store, err := tree.New(s.transport, logging.Named("tree"))
	if err != nil {
		return nil, err
	}
	took := time.Since(start)
	metrics.RecordScan(took)
	metrics.SetTreeSize(store.Count())
	s.log.Debug("document tree scanned", logging.Int("entries", store.Count()), logging.Duration("took", took))
	return store, nil
}

// renderer builds the configured renderer. Without a device there is no web
// interface, so auto falls back to the base document alone.
func (s *session) renderer() render.Renderer {
	web := render.NewWeb(s.cfg.WebURL, logging.Named("render"))
	base := render.NewBase(s.transport, logging.Named("render"))
	switch s.cfg.Renderer {
	case config.RendererWeb:
		return web
	case config.RendererBase:
		return base
	default:
		if s.device == nil {
			return base
		}
		return render.Chain{web, base}
	}
}

// restart restarts the device UI unless disabled or working locally.
func (s *session) restart(ctx context.Context) error {
	if s.device == nil || s.cfg.NoRestart {
		return nil
	}
	return s.device.Restart(ctx)
}

func (s *session) Close() error {
	if s.device == nil {
		return nil
	}
	return s.device.Close()
}

// serveMetrics serves prometheus metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("serving metrics", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logging.Err(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
}
