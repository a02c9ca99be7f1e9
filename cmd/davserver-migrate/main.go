// Command davserver-migrate applies the store schema (for sql backends) and
// bootstraps an initial principal, mirroring the teacher's bootstrap tool
// for a directory-less deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/logging"
	"github.com/dav-engine/server/internal/store"
	"github.com/dav-engine/server/internal/store/sqlstore"
)

func main() {
	var (
		owner    string
		password string
		display  string
		calURI   string
	)
	flag.StringVar(&owner, "owner", "", "Principal ID to create or update (required)")
	flag.StringVar(&password, "password", "", "Password to set for the principal (required)")
	flag.StringVar(&display, "display", "", "Display name (optional; defaults to owner)")
	flag.StringVar(&calURI, "calendar-uri", "", "Also create a default calendar with this URI (optional)")
	flag.Parse()

	if owner == "" || password == "" {
		fmt.Fprintln(os.Stderr, "usage: davserver-migrate -owner <id> -password <pw> [-display <name>] [-calendar-uri <uri>]")
		os.Exit(2)
	}
	if display == "" {
		display = owner
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With().Str("component", "migrate").Logger()

	if cfg.Storage.Type != "postgres" && cfg.Storage.Type != "sqlite" {
		fmt.Fprintf(os.Stderr, "davserver-migrate requires STORAGE_TYPE=postgres or sqlite, got %q\n", cfg.Storage.Type)
		os.Exit(1)
	}

	st, err := sqlstore.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()

	setter, ok := store.Store(st).(interface {
		SetPassword(ctx context.Context, id, displayName, password string) error
	})
	if !ok {
		fmt.Fprintln(os.Stderr, "backend does not support SetPassword bootstrap helper")
		os.Exit(1)
	}
	if err := setter.SetPassword(ctx, owner, display, password); err != nil {
		fmt.Fprintf(os.Stderr, "set password: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Str("owner", owner).Msg("principal bootstrapped")

	if calURI != "" {
		cal := &domain.Calendar{
			ID:             uuid.NewString(),
			OwnerID:        owner,
			URI:            calURI,
			DisplayName:    calURI,
			Color:          "#3174ad",
			SupportedComps: []domain.Component{domain.ComponentVEvent, domain.ComponentVTodo},
		}
		if err := st.InsertCalendar(ctx, cal); err != nil {
			fmt.Fprintf(os.Stderr, "create calendar: %v\n", err)
			os.Exit(1)
		}
		logger.Info().Str("owner", owner).Str("uri", calURI).Msg("calendar created")
	}

	fmt.Printf("bootstrapped principal %s\n", owner)
}
