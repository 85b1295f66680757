package supportbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnKeywordKeyword     = "keyword"
	columnKeywordResponse    = "response"
	columnServerKeyword      = "keyword"
	columnServerDisplayName  = "display_name"
	columnServerInviteLink   = "invite_link"
	columnServerDescription  = "description"
	columnAliasAlias         = "alias"
	columnAliasServerKeyword = "server_keyword"
	columnUpdatedAt          = "updated_at"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
// for creation and update. Rows are hard-deleted, so a removed keyword
// can be added again without colliding with its old unique index entry.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Keyword is a tag: a keyword and the canned response it expands to.
type Keyword struct {
	ModelUintID
	Keyword  string `gorm:"uniqueIndex;not null" json:"keyword"`
	Response string `gorm:"not null" json:"response"`
	ModelUnixTime
}

func (Keyword) TableName() string {
	return "keywords"
}

// Server is a directory entry for a community server
type Server struct {
	ModelUintID
	Keyword     string  `gorm:"uniqueIndex;not null" json:"keyword"`
	DisplayName string  `gorm:"not null" json:"display_name"`
	InviteLink  *string `json:"invite_link"`
	Description string  `json:"description"`
	ModelUnixTime
}

func (Server) TableName() string {
	return "servers"
}

// ServerAlias links an alternate name to a Server's keyword
type ServerAlias struct {
	Alias         string `gorm:"primaryKey" json:"alias"`
	ServerKeyword string `gorm:"index;not null" json:"server_keyword"`
	ModelUnixTime
}

func (ServerAlias) TableName() string {
	return "server_aliases"
}

// database wraps a gorm connection, serializing writes when the
// backend can't handle concurrent writers (sqlite), and applying a
// default timeout to operations whose context has no deadline.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// DBI defines the interface for database operations. [database]
// implements this for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Find(ctx context.Context, dest any, conds ...any) error
	Create(ctx context.Context, value any) (rowsAffected int64, err error)

	// Upsert inserts value, or updates updateColumns on the existing
	// row if one conflicts on conflictColumns
	Upsert(
		ctx context.Context,
		value any,
		conflictColumns []string,
		updateColumns []string,
	) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (
		rowsAffected int64,
		err error,
	)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error
}

// NewDatabase returns a DBI backed by the given connection.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withOperationTimeout(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Find(ctx context.Context, dest any, conds ...any) error {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	return d.db.WithContext(ctx).Find(dest, conds...).Error
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Upsert(
	ctx context.Context,
	value any,
	conflictColumns []string,
	updateColumns []string,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Clauses(upsertClause(conflictColumns, updateColumns)).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func upsertClause(conflictColumns []string, updateColumns []string) clause.OnConflict {
	cols := make([]clause.Column, 0, len(conflictColumns))
	for _, c := range conflictColumns {
		cols = append(cols, clause.Column{Name: c})
	}
	updates := make([]string, 0, len(updateColumns)+1)
	updates = append(updates, updateColumns...)
	updates = append(updates, columnUpdatedAt)
	return clause.OnConflict{
		Columns:   cols,
		DoUpdates: clause.AssignmentColumns(updates),
	}
}

// CreateDB opens the database, applies the sqlite connection settings
// when applicable, and migrates the schema.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(DefaultDatabaseLogLevel)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	return openDB(ctx, databaseType, database, gormLogger, dbLogger)
}

func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
	logger *slog.Logger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("error getting database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	logger.DebugContext(ctx, "migrating database...")
	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&Keyword{},
				&Server{},
				&ServerAlias{},
			)
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	logger.DebugContext(ctx, "finished migrating database")
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	config := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), config)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), config)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
