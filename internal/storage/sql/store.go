package sql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var embedMigrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// isLockUnavailable reports whether a NOWAIT lock (PostgreSQL) or a write
// lock (SQLite) could not be taken.
func isLockUnavailable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "55P03"
	}
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY"))
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func checkAffected(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.Transaction = (*Tx)(nil)
)

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New connects to the database and applies pending migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db.DB, driver); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, driver: driver}, nil
}

// Open connects without migrating.
func Open(driver, dsn string) (*sqlx.DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer at a time; row locks become database write locks.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate runs the embedded migrations for the given dialect.
func Migrate(db *sql.DB, driver string) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/"+driver); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: s.driver}, nil
}

// Tx wraps a database transaction.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Close is a no-op for transactions (they should be committed or rolled back).
func (t *Tx) Close() error {
	return nil
}

// BeginTx is not supported within a transaction.
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================
// Tags
// ============================================

const tagColumns = `id, name, rule, created_at`

func createTag(ctx context.Context, db dbInterface, tag *domain.Tag) error {
	tag.CreatedAt = nowIfZero(tag.CreatedAt)
	err := db.GetContext(ctx, &tag.ID,
		`INSERT INTO tags (name, rule, created_at) VALUES ($1, $2, $3) RETURNING id`,
		tag.Name, tag.Rule, tag.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateTag(ctx context.Context, tag *domain.Tag) error {
	return createTag(ctx, s.db, tag)
}

func (t *Tx) CreateTag(ctx context.Context, tag *domain.Tag) error {
	return createTag(ctx, t.tx, tag)
}

func getTag(ctx context.Context, db dbInterface, id int64) (*domain.Tag, error) {
	var tag domain.Tag
	err := db.GetContext(ctx, &tag, `SELECT `+tagColumns+` FROM tags WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &tag, nil
}

func (s *Store) GetTag(ctx context.Context, id int64) (*domain.Tag, error) {
	return getTag(ctx, s.db, id)
}

func (t *Tx) GetTag(ctx context.Context, id int64) (*domain.Tag, error) {
	return getTag(ctx, t.tx, id)
}

func getTagByName(ctx context.Context, db dbInterface, name string) (*domain.Tag, error) {
	var tag domain.Tag
	err := db.GetContext(ctx, &tag,
		`SELECT `+tagColumns+` FROM tags WHERE LOWER(name) = LOWER($1)`, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &tag, nil
}

func (s *Store) GetTagByName(ctx context.Context, name string) (*domain.Tag, error) {
	return getTagByName(ctx, s.db, name)
}

func (t *Tx) GetTagByName(ctx context.Context, name string) (*domain.Tag, error) {
	return getTagByName(ctx, t.tx, name)
}

func listTags(ctx context.Context, db dbInterface) ([]*domain.Tag, error) {
	var tags []*domain.Tag
	err := db.SelectContext(ctx, &tags, `SELECT `+tagColumns+` FROM tags ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	return listTags(ctx, s.db)
}

func (t *Tx) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	return listTags(ctx, t.tx)
}

func updateTag(ctx context.Context, db dbInterface, tag *domain.Tag) error {
	result, err := db.ExecContext(ctx,
		`UPDATE tags SET name = $1, rule = $2 WHERE id = $3`, tag.Name, tag.Rule, tag.ID)
	return wrapUniqueError(checkAffected(result, err))
}

func (s *Store) UpdateTag(ctx context.Context, tag *domain.Tag) error {
	return updateTag(ctx, s.db, tag)
}

func (t *Tx) UpdateTag(ctx context.Context, tag *domain.Tag) error {
	return updateTag(ctx, t.tx, tag)
}

func deleteTag(ctx context.Context, db dbInterface, id int64) error {
	// SQLite does not enforce ON DELETE CASCADE without the foreign_keys pragma.
	if _, err := db.ExecContext(ctx, `DELETE FROM policy_tags WHERE tag_id = $1`, id); err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `DELETE FROM tags WHERE id = $1`, id)
	return checkAffected(result, err)
}

func (s *Store) DeleteTag(ctx context.Context, id int64) error {
	return deleteTag(ctx, s.db, id)
}

func (t *Tx) DeleteTag(ctx context.Context, id int64) error {
	return deleteTag(ctx, t.tx, id)
}

func countPoliciesForTag(ctx context.Context, db dbInterface, tagID int64) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM policy_tags WHERE tag_id = $1`, tagID)
	return count, err
}

func (s *Store) CountPoliciesForTag(ctx context.Context, tagID int64) (int, error) {
	return countPoliciesForTag(ctx, s.db, tagID)
}

func (t *Tx) CountPoliciesForTag(ctx context.Context, tagID int64) (int, error) {
	return countPoliciesForTag(ctx, t.tx, tagID)
}

// ============================================
// Repos and brokers
// ============================================

func createRepo(ctx context.Context, db dbInterface, repo *domain.Repo) error {
	repo.CreatedAt = nowIfZero(repo.CreatedAt)
	err := db.GetContext(ctx, &repo.ID,
		`INSERT INTO repos (name, url, iso_url, task, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		repo.Name, repo.URL, repo.ISOURL, repo.Task, repo.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateRepo(ctx context.Context, repo *domain.Repo) error {
	return createRepo(ctx, s.db, repo)
}

func (t *Tx) CreateRepo(ctx context.Context, repo *domain.Repo) error {
	return createRepo(ctx, t.tx, repo)
}

func getRepoByName(ctx context.Context, db dbInterface, name string) (*domain.Repo, error) {
	var repo domain.Repo
	err := db.GetContext(ctx, &repo,
		`SELECT id, name, url, iso_url, task, created_at FROM repos WHERE LOWER(name) = LOWER($1)`, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &repo, nil
}

func (s *Store) GetRepoByName(ctx context.Context, name string) (*domain.Repo, error) {
	return getRepoByName(ctx, s.db, name)
}

func (t *Tx) GetRepoByName(ctx context.Context, name string) (*domain.Repo, error) {
	return getRepoByName(ctx, t.tx, name)
}

func createBroker(ctx context.Context, db dbInterface, broker *domain.Broker) error {
	broker.CreatedAt = nowIfZero(broker.CreatedAt)
	err := db.GetContext(ctx, &broker.ID,
		`INSERT INTO brokers (name, broker_type, configuration, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		broker.Name, broker.BrokerType, broker.Configuration, broker.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateBroker(ctx context.Context, broker *domain.Broker) error {
	return createBroker(ctx, s.db, broker)
}

func (t *Tx) CreateBroker(ctx context.Context, broker *domain.Broker) error {
	return createBroker(ctx, t.tx, broker)
}

func getBrokerByName(ctx context.Context, db dbInterface, name string) (*domain.Broker, error) {
	var broker domain.Broker
	err := db.GetContext(ctx, &broker,
		`SELECT id, name, broker_type, configuration, created_at FROM brokers WHERE LOWER(name) = LOWER($1)`, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &broker, nil
}

func (s *Store) GetBrokerByName(ctx context.Context, name string) (*domain.Broker, error) {
	return getBrokerByName(ctx, s.db, name)
}

func (t *Tx) GetBrokerByName(ctx context.Context, name string) (*domain.Broker, error) {
	return getBrokerByName(ctx, t.tx, name)
}
