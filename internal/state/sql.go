// SQL-backed shared state. One implementation runs over both backends:
// PostgreSQL (gorm + pgx) for multi-host deployments and SQLite
// (glebarez, pure Go) for multiple workers sharing one host. The
// atomic check-and-mark for ports is an INSERT .. ON CONFLICT DO
// NOTHING against a unique (namespace, port) index — the database is
// the arbiter, never application-level read-then-write.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// portRow is a single port reservation. All gorm usage is confined to
// this package — domain types stay ORM-free.
type portRow struct {
	Namespace string `gorm:"primaryKey;size:64"`
	Port      int    `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (portRow) TableName() string { return "sandbox_ports" }

type instanceRow struct {
	Namespace  string `gorm:"primaryKey;size:64"`
	ID         string `gorm:"primaryKey;size:36"`
	Type       string `gorm:"size:128"`
	Owner      string `gorm:"size:128;index"`
	BackendID  string `gorm:"size:128"`
	Name       string `gorm:"size:128"`
	Port       int
	State      string `gorm:"size:16"`
	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time
}

func (instanceRow) TableName() string { return "sandbox_instances" }

// SQL implements Store over a gorm.DB.
type SQL struct {
	db        *gorm.DB
	namespace string
	logger    *slog.Logger
}

// SQLConfig configures the SQL state backends.
type SQLConfig struct {
	Namespace string // Deployment namespace for all keys. Default: "default".

	DSN        string // PostgreSQL DSN (postgres backend).
	SQLitePath string // Database file path (sqlite backend).

	MaxOpenConns int // Default: 10.
	MaxIdleConns int // Default: 2.
}

func (c SQLConfig) namespaceOrDefault() string {
	if c.Namespace != "" {
		return c.Namespace
	}
	return "default"
}

// OpenPostgres connects to PostgreSQL and migrates the state tables.
func OpenPostgres(cfg SQLConfig, slogger *slog.Logger) (*SQL, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return finishOpen(db, cfg, slogger)
}

// OpenSQLite opens (creating if needed) the SQLite state database.
// WAL mode lets several workers on one host share the file.
func OpenSQLite(cfg SQLConfig, slogger *slog.Logger) (*SQL, error) {
	dsn := cfg.SQLitePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite state db: %w", err)
	}
	return finishOpen(db, cfg, slogger)
}

func gormConfig(slogger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			slogAdapter{slogger},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func finishOpen(db *gorm.DB, cfg SQLConfig, slogger *slog.Logger) (*SQL, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)

	if err := db.AutoMigrate(&portRow{}, &instanceRow{}); err != nil {
		return nil, fmt.Errorf("migrating state tables: %w", err)
	}

	return &SQL{db: db, namespace: cfg.namespaceOrDefault(), logger: slogger}, nil
}

// TryReservePort inserts the (namespace, port) row; a conflicting row
// means the port is taken. RowsAffected is the verdict.
func (s *SQL) TryReservePort(ctx context.Context, port int) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&portRow{Namespace: s.namespace, Port: port})
	if res.Error != nil {
		// Some backends surface the conflict as a unique violation
		// instead of swallowing it; that still means "taken".
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, fmt.Errorf("reserving port %d: %w", port, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQL) ReleasePort(ctx context.Context, port int) error {
	res := s.db.WithContext(ctx).
		Where("namespace = ? AND port = ?", s.namespace, port).
		Delete(&portRow{})
	if res.Error != nil {
		return fmt.Errorf("releasing port %d: %w", port, res.Error)
	}
	return nil
}

func (s *SQL) ReservedPorts(ctx context.Context) ([]int, error) {
	var ports []int
	err := s.db.WithContext(ctx).
		Model(&portRow{}).
		Where("namespace = ?", s.namespace).
		Order("port").
		Pluck("port", &ports).Error
	if err != nil {
		return nil, fmt.Errorf("listing reserved ports: %w", err)
	}
	return ports, nil
}

func (s *SQL) PutInstance(ctx context.Context, rec InstanceRecord) error {
	row := instanceRow{
		Namespace:  s.namespace,
		ID:         rec.ID,
		Type:       rec.Type,
		Owner:      rec.Owner,
		BackendID:  rec.BackendID,
		Name:       rec.Name,
		Port:       rec.Port,
		State:      rec.State,
		CreatedAt:  rec.CreatedAt,
		LastActive: rec.LastActive,
		ExpiresAt:  rec.ExpiresAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("storing instance %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQL) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	var row instanceRow
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND id = ?", s.namespace, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading instance %s: %w", id, err)
	}
	rec := row.toRecord()
	return &rec, nil
}

func (s *SQL) DeleteInstance(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND id = ?", s.namespace, id).
		Delete(&instanceRow{}).Error
	if err != nil {
		return fmt.Errorf("deleting instance %s: %w", id, err)
	}
	return nil
}

func (s *SQL) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	var rows []instanceRow
	err := s.db.WithContext(ctx).
		Where("namespace = ?", s.namespace).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	out := make([]InstanceRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toRecord()
	}
	return out, nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r instanceRow) toRecord() InstanceRecord {
	return InstanceRecord{
		ID:         r.ID,
		Type:       r.Type,
		Owner:      r.Owner,
		BackendID:  r.BackendID,
		Name:       r.Name,
		Port:       r.Port,
		State:      r.State,
		CreatedAt:  r.CreatedAt,
		LastActive: r.LastActive,
		ExpiresAt:  r.ExpiresAt,
	}
}

// isUniqueViolation reports whether err is a primary-key/unique-index
// violation on either backend (pgx code 23505, sqlite "UNIQUE constraint").
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
