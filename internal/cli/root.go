package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/engine"
	"github.com/lazypower/wellspring/internal/keys"
	"github.com/lazypower/wellspring/internal/logging"
	"github.com/lazypower/wellspring/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "wellspring",
	Short:         "Local-first memory graph",
	Long:          "Wellspring keeps a content-addressed memory graph with signed beliefs, trust scoring and replication between devices.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Global flags, layered over the config file and the environment.
var (
	flagConfig   string
	flagDB       string
	flagKeys     string
	flagLogLevel string
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ~/.wellspring/config.yaml, or $WELLSPRING_CONFIG)")
	pf.StringVar(&flagDB, "db", "", "database path (default ~/.wellspring/wellspring.db)")
	pf.StringVar(&flagKeys, "keys", "", "key directory (default ~/.wellspring/keys)")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(relationCmd)
	rootCmd.AddCommand(attestCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(waterlineCmd)
	rootCmd.AddCommand(traverseCmd)
	rootCmd.AddCommand(rerankCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(auditCmd)
}

// configPath returns the config file to read.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	if p := os.Getenv("WELLSPRING_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".wellspring", "config.yaml"), nil
}

// loadConfig reads the config file, then applies env and flag overrides.
func loadConfig() (config.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, path, err
	}
	cfg.FromEnv()
	if flagDB != "" {
		cfg.Database.Path = flagDB
	}
	if flagKeys != "" {
		cfg.Keys.Dir = flagKeys
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if cfg.Database.Path == "" {
		if cfg.Database.Path, err = store.DefaultDBPath(); err != nil {
			return cfg, path, fmt.Errorf("resolve db path: %w", err)
		}
	}
	if cfg.Keys.Dir == "" {
		if cfg.Keys.Dir, err = keys.DefaultKeyDir(); err != nil {
			return cfg, path, fmt.Errorf("resolve key dir: %w", err)
		}
	}
	return cfg, path, nil
}

// session is an open engine for one command.
type session struct {
	cfg     config.Config
	cfgPath string
	log     *zap.Logger
	db      *store.DB
	engine  *engine.Engine
}

// open loads config, opens the database and replays the log. CLI commands
// log at warn unless asked otherwise so stdout stays readable.
func open(ctx context.Context, defaultLevel string) (*session, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if defaultLevel != "" && flagLogLevel == "" && os.Getenv("WELLSPRING_LOG_LEVEL") == "" {
		cfg.Logging.Level = defaultLevel
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e, err := engine.New(ctx, db, engine.Options{
		Tuning:  cfg.Tuning,
		Logger:  log,
		Keyring: &keys.Keyring{Dir: cfg.Keys.Dir},
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &session{cfg: cfg, cfgPath: path, log: log, db: db, engine: e}, nil
}

func (s *session) Close(ctx context.Context) {
	if err := s.engine.Close(ctx); err != nil {
		s.log.Warn("close engine", zap.Error(err))
	}
	s.db.Close()
	s.log.Sync()
}

// withEngine runs fn against an open engine and closes it afterwards.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := open(ctx, "warn")
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	return fn(ctx, s)
}

// resolveIdentity accepts an identity id or the name of a key in the keyring.
func resolveIdentity(s *session, ref string) (string, error) {
	if ref == "" || ref == store.Genesis || strings.HasPrefix(ref, keys.Prefix) {
		return ref, nil
	}
	entries, err := s.engine.Keyring().List()
	if err != nil {
		return "", err
	}
	// a rotated key keeps its keyring entry; the live one wins the name
	var retired string
	v := s.engine.View()
	for _, e := range entries {
		if e.Name != ref {
			continue
		}
		if !v.Rotated(e.Identity) {
			return e.Identity, nil
		}
		retired = e.Identity
	}
	if retired != "" {
		return retired, nil
	}
	return "", fmt.Errorf("%w: no local identity named %q", store.ErrNotFound, ref)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
