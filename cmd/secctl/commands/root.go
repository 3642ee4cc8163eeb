package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hospsurvey/internal/app"
	"hospsurvey/internal/cache"
	"hospsurvey/internal/config"
	"hospsurvey/internal/database"
	"hospsurvey/internal/log"
	"hospsurvey/internal/storage"
)

var (
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "secctl",
	Short:         "Operate the survey platform's security core",
	Long:          `secctl runs threat analysis, security reports, SIEM exports, audit chain verification and account maintenance against the live stores.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr while running")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
}

// session holds the open connections for one command run.
type session struct {
	*app.Components
	close func()
}

func open(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(io.Discard)
	if verbose {
		logger = log.New(cfg.Environment)
	}

	db, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	closers := []func(){db.Close}
	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, continuing without it")
		rdb = nil
	} else {
		closers = append(closers, func() { _ = rdb.Close() })
	}

	var store *storage.ObjectStore
	if cfg.Storage.Endpoint != "" {
		if store, err = storage.NewObjectStore(cfg.Storage); err != nil {
			logger.Warn().Err(err).Msg("object store unavailable")
			store = nil
		}
	}

	components, err := app.Build(ctx, cfg, logger, db, rdb, store)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &session{
		Components: components,
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
