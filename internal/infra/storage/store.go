package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spot_venue/internal/domain"
	"spot_venue/internal/infra"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Options configures a Storage.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	LockTimeout  time.Duration
	MaxRetries   int
	Logger       *slog.Logger
	Metrics      *infra.Metrics
}

// OptionsFromConfig maps the database section of the application config.
func OptionsFromConfig(cfg *infra.Config, log *slog.Logger) Options {
	return Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		LockTimeout:  cfg.LockTimeout(),
		MaxRetries:   cfg.Database.MaxRetries,
		Logger:       log,
		Metrics:      infra.GlobalMetrics,
	}
}

// Storage is the gorm-backed implementation of domain.Store.
type Storage struct {
	db          *gorm.DB
	driver      string
	lockTimeout time.Duration
	maxRetries  int
	logger      *slog.Logger
	metrics     *infra.Metrics
}

var _ domain.Store = (*Storage)(nil)

// Open connects to the configured database and migrates the schema.
func Open(opts Options) (*Storage, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = infra.GlobalMetrics
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}

	var dialector gorm.Dialector
	switch opts.Driver {
	case "", infra.DriverSQLite:
		opts.Driver = infra.DriverSQLite
		// Ensure directory exists
		if dir := filepath.Dir(sqlitePath(opts.DSN)); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		dialector = sqlite.Open(sqliteDSN(opts.DSN, opts.LockTimeout))
	case infra.DriverPostgres:
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newGormLogger(os.Stdout),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection pool: %w", err)
	}
	if opts.Driver == infra.DriverSQLite {
		// SQLite has no row locks: one connection serializes every transaction.
		sqlDB.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &Storage{
		db:          db,
		driver:      opts.Driver,
		lockTimeout: opts.LockTimeout,
		maxRetries:  opts.MaxRetries,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Storage) Migrate() error {
	if err := s.db.AutoMigrate(&domain.Account{}, &domain.Holding{}, &domain.Order{}, &domain.Trade{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InTx runs fn inside one transaction with a bounded lock wait.
// Lock timeouts and deadlock aborts are retried with backoff; any other error rolls back and
// is returned unchanged.
func (s *Storage) InTx(ctx context.Context, op string, fn func(ctx context.Context, tx domain.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, op, fn)
		if err == nil || !domain.IsRetriable(err) {
			return err
		}
		s.metrics.RecordLockTimeout()
		if attempt >= s.maxRetries {
			return err
		}

		delay := infra.TxBackoff.Delay(attempt)
		s.logger.Debug("Retrying transaction", slog.String("op", op), slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (s *Storage) runTx(ctx context.Context, op string, fn func(ctx context.Context, tx domain.Tx) error) error {
	tctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	err := s.db.WithContext(tctx).Transaction(func(gtx *gorm.DB) error {
		if s.driver == infra.DriverPostgres {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if err := gtx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return fn(tctx, &repo{db: gtx})
	})
	if err != nil && ctx.Err() == nil && isLockFailure(err) {
		return &domain.LockTimeoutError{Op: op, Err: err}
	}
	return err
}

// Read returns a handle for snapshot queries outside any transaction.
func (s *Storage) Read() domain.Tx {
	return &repo{db: s.db}
}

// newGormLogger reports slow queries and SQL errors. An empty lookup is normal traffic here
// (no crossing order, no account yet) and stays silent.
func newGormLogger(w io.Writer) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// isLockFailure reports errors that mean "lost a lock race", not "bad request".
func isLockFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", // lock_not_available
			"40P01", // deadlock_detected
			"40001": // serialization_failure
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// sqlitePath strips the URI prefix and query of a SQLite DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// sqliteDSN adds the pragmas the ledger relies on unless the DSN already sets its own.
func sqliteDSN(dsn string, lockTimeout time.Duration) string {
	if strings.Contains(dsn, "_pragma") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		dsn, sep, lockTimeout.Milliseconds())
}

// repo implements domain.Tx over either a transaction or the pool.
type repo struct {
	db *gorm.DB
}

func (r *repo) Accounts() domain.AccountRepository { return accountRepo{db: r.db} }
func (r *repo) Orders() domain.OrderRepository     { return orderRepo{db: r.db} }
func (r *repo) Trades() domain.TradeRepository     { return tradeRepo{db: r.db} }

// forUpdate adds SELECT ... FOR UPDATE. The SQLite dialect drops the clause.
func forUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
