// Package commands implements the mls-store maintenance CLI: operator
// tooling over an existing store (stats, group listing, pruning, deletion,
// export/import). The data-plane API stays library-only.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tangowhisky-dev/mls-store/internal/config"
	"github.com/tangowhisky-dev/mls-store/pkg/otel"
	"github.com/tangowhisky-dev/mls-store/pkg/store"
	"github.com/tangowhisky-dev/mls-store/pkg/store/badgerstore"
	"github.com/tangowhisky-dev/mls-store/pkg/store/cryptostore"
	"github.com/tangowhisky-dev/mls-store/pkg/store/sqlstore"
)

var (
	cfgPath    string
	dsnFlag    string
	dirFlag    string
	passphrase string

	cfg     config.Config
	backend store.Backend
	// rawBackend is the backend before any sealing wrapper; export and
	// import go through it so archives carry blobs exactly as stored.
	rawBackend store.Backend
	engine     *store.Engine

	versionString = "dev"

	shutdownTrace func()
)

// SetVersion sets the string printed by --version.
func SetVersion(v string) { versionString = v }

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mls-store",
		Short:         "Maintenance tooling for an mls-store group-state store",
		Version:       versionString,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			shutdownTrace = nil
			var err error
			cfg, err = loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Level)

			if cfg.Trace.Stdout {
				shutdown, err := otel.Init(cmd.Context(), otel.Config{
					ServiceName:    "mls-store",
					ServiceVersion: versionString,
					BackendKind:    backendKind(cfg),
					Sealed:         cfg.Sealing.Enabled,
					UseStdout:      true,
				})
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				shutdownTrace = func() { _ = shutdown(cmd.Context()) }
			}

			backend, err = openBackend(cmd, logger)
			if err != nil {
				return err
			}
			engine = store.NewEngine(backend, store.WithLogger(logger))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if shutdownTrace != nil {
				defer shutdownTrace()
			}
			if engine != nil {
				return engine.Close()
			}
			return nil
		},
	}
	root.SetVersionTemplate("mls-store {{.Version}}\n")

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "SQL DSN (sqlite: or postgres://), overrides config")
	root.PersistentFlags().StringVar(&dirFlag, "dir", "", "badger directory, overrides config")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase for the sealing key file")

	root.AddCommand(statsCmd(), groupsCmd(), pruneCmd(), deleteCmd(), exportCmd(), importCmd())
	return root
}

func loadConfig() (config.Config, error) {
	// Flags beat the config file; validation of the "exactly one backend"
	// rule runs against the effective values.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		// Without a config file the loader fails on the missing backend
		// selection; that's fine when a flag supplies it.
		if cfgPath != "" || (dsnFlag == "" && dirFlag == "") {
			return config.Config{}, err
		}
		cfg = config.Default()
	}
	if dsnFlag != "" {
		cfg.Store.DSN = dsnFlag
		cfg.Store.Dir = ""
	}
	if dirFlag != "" {
		cfg.Store.Dir = dirFlag
		cfg.Store.DSN = ""
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openBackend(cmd *cobra.Command, logger *slog.Logger) (store.Backend, error) {
	var (
		b   store.Backend
		err error
	)
	switch {
	case cfg.Store.DSN != "":
		s, err := sqlstore.Open(cmd.Context(), cfg.Store.DSN, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(cmd.Context()); err != nil {
			_ = s.Close()
			return nil, err
		}
		b = s
	default:
		b, err = badgerstore.Open(cfg.Store.Dir, badgerstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}
	rawBackend = b
	if cfg.Sealing.Enabled {
		if passphrase == "" {
			_ = b.Close()
			return nil, fmt.Errorf("sealing is enabled; passphrase required (-p)")
		}
		key, err := cryptostore.LoadKeyFile(cfg.Sealing.KeyFile, passphrase)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		sealed, err := cryptostore.Wrap(cmd.Context(), b, key)
		if err != nil {
			key.Destroy()
			_ = b.Close()
			return nil, err
		}
		b = sealed
	}
	return b, nil
}

func backendKind(cfg config.Config) string {
	switch {
	case strings.HasPrefix(cfg.Store.DSN, "sqlite:"):
		return "sqlite"
	case cfg.Store.DSN != "":
		return "postgres"
	default:
		return "badger"
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
