package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"alertdesk/internal/config"
	"alertdesk/internal/db"
	"alertdesk/internal/engine"
	"alertdesk/internal/logging"
	"alertdesk/internal/migrate"
	"alertdesk/internal/notify"
	"alertdesk/internal/otp"
	"alertdesk/internal/repo"
	"alertdesk/internal/storage"
)

// Runtime is everything a command needs once the workspace is open.
type Runtime struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Log    *logrus.Logger
	// Sweeper is set when OTP records need periodic eviction.
	Sweeper otp.Sweeper
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Overrides are values supplied by flags or the environment; non-empty
// fields replace the config file's.
type Overrides struct {
	Addr         string
	JWTSecret    string
	DatabasePath string
	SMTPPassword string
	LogLevel     string
}

func (o Overrides) apply(cfg *config.Config) {
	if o.Addr != "" {
		cfg.Server.Addr = o.Addr
	}
	if o.JWTSecret != "" {
		cfg.Server.JWTSecret = o.JWTSecret
	}
	if o.DatabasePath != "" {
		cfg.Database.Path = o.DatabasePath
	}
	if o.SMTPPassword != "" {
		cfg.Mail.Password = o.SMTPPassword
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
}

// LoadConfig reads the workspace config (or path when set) and applies overrides.
func LoadConfig(workspace, path string, o Overrides) (*config.Config, error) {
	if path == "" {
		path = config.Path(workspace)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	o.apply(cfg)
	if cfg.Database.Workspace == "" || cfg.Database.Workspace == "." {
		cfg.Database.Workspace = workspace
	}
	if cfg.Storage.UploadDir != "" && !filepath.IsAbs(cfg.Storage.UploadDir) {
		cfg.Storage.UploadDir = filepath.Join(workspace, cfg.Storage.UploadDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open builds the runtime for cfg: logger, migrated database, OTP store,
// mail sender, file store and engine.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(cfg.Database.Workspace); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Database.Workspace, Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	files, err := storage.New(cfg.Storage.UploadDir, cfg.Storage.PublicPath, cfg.Storage.MaxUploadMB)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	mail, err := notify.New(cfg.Mail, log)
	if err != nil {
		conn.Close()
		return nil, err
	}

	var (
		store   otp.Store
		sweeper otp.Sweeper
	)
	switch cfg.OTP.Store {
	case "sql":
		s := repo.OTPStore{DB: conn}
		store, sweeper = s, s
	default:
		s := otp.NewMemoryStore()
		store, sweeper = s, s
	}

	eng := engine.New(conn, cfg, engine.Deps{OTPStore: store, Mail: mail, Files: files, Log: log})
	log.WithFields(logrus.Fields{
		"workspace": cfg.Database.Workspace,
		"otp_store": cfg.OTP.Store,
		"mail_mode": cfg.Mail.Mode,
	}).Debug("runtime ready")
	return &Runtime{Config: cfg, DB: conn, Engine: eng, Log: log, Sweeper: sweeper}, nil
}

// StartSweeper evicts expired OTP records until ctx is done.
func (r *Runtime) StartSweeper(ctx context.Context) {
	interval := r.Config.OTP.SweepInterval.Duration
	if r.Sweeper == nil || interval <= 0 {
		return
	}
	go otp.RunSweeper(ctx, r.Sweeper, interval, time.Now, func(n int, err error) {
		if err != nil {
			r.Log.WithError(err).Warn("otp sweep failed")
			return
		}
		if n > 0 {
			r.Log.WithField("evicted", n).Debug("otp sweep")
		}
	})
}
