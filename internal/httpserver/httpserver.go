// Package httpserver assembles the store backend, auth chain, DAV handler,
// router and push/webhook dispatcher into a runnable http.Server, the same
// single-entrypoint wiring the teacher's server package does for its
// LDAP-backed stack.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dav-engine/server/internal/auth"
	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/dav"
	"github.com/dav-engine/server/internal/fanout"
	"github.com/dav-engine/server/internal/router"
	"github.com/dav-engine/server/internal/store"
	"github.com/dav-engine/server/internal/store/memstore"
	"github.com/dav-engine/server/internal/store/sqlstore"
)

type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("httpserver: open store: %w", err)
	}

	authn := auth.NewChain(cfg, st, logger)
	cal := &dav.CalService{Store: st, Principals: st, Cfg: cfg}
	card := &dav.CardService{Store: st, Principals: st, Cfg: cfg}
	handler := dav.NewHandler(cfg, cal, card, st, st, logger)
	mux := router.New(cfg, handler, authn, logger)

	dispatcher := fanout.New(st, st, cfg.Fanout, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx, st.Changes())

	srv := &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
	cleanup := func() {
		cancel()
		st.Close()
	}
	logger.Info().Msgf("listening on %s (storage=%s)", cfg.HTTP.Addr, cfg.Storage.Type)
	return srv, cleanup, nil
}

func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Storage.Type {
	case "postgres", "sqlite":
		return sqlstore.New(cfg, logger)
	case "memstore", "":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
