package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit bounds the WAL journal to 64 MiB.
const walJournalSizeLimit = 67108864

// Store persists all orchestrator state in an embedded SQLite database with
// WAL mode. Multiple orchestrator processes may open the same database;
// mutual exclusion is enforced through lease columns and conditional
// updates, never through in-process locks.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	transformStmts transformStatements
	targetStmts    targetStatements
	documentStmts  documentStatements
	batchStmts     batchStatements
	outboxStmts    outboxStatements
	statsStmts     statsStatements
	reconStmts     reconStatements
}

type transformStatements struct {
	get, insert, listEnabled, setEnabled, delete, owner *sql.Stmt
}

type targetStatements struct {
	get, insert, listScannable, acquireLease, releaseLease, advanceWatermark, touchProcessed *sql.Stmt
}

type documentStatements struct {
	upsert, listChanged *sql.Stmt
}

// Batch transitions are built per-call (the allowed prior-status set varies),
// so there is no prepared transition statement.
type batchStatements struct {
	get, insert, retry, listStuck, countByStatus *sql.Stmt
}

type outboxStatements struct {
	get, listDue, markPublished, markFailed, markExpired, reset, deleteOldPublished, listExpired *sql.Stmt
}

type statsStatements struct {
	get, applyDelta, resetForRun *sql.Stmt
}

type reconStatements struct {
	startRun, finishRun, listRecent, acquireLease, releaseLease *sql.Stmt
}

// Open creates a Store, opening the database at dbPath, applying embedded
// migrations, and preparing all repeated statements. Use ":memory:" for
// tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening orchestrator state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// Each pooled connection to ":memory:" would get its own empty database,
	// so in-memory mode must stay on a single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	logger.Info("orchestrator state database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{"PRAGMA busy_timeout = 5000", "busy timeout"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("store: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// prepareAllStatements creates all prepared statements grouped by domain.
func (s *Store) prepareAllStatements(ctx context.Context) error {
	groups := []func(context.Context) error{
		s.prepareTransformStmts,
		s.prepareTargetStmts,
		s.prepareDocumentStmts,
		s.prepareBatchStmts,
		s.prepareOutboxStmts,
		s.prepareStatsStmts,
		s.prepareReconStmts,
	}

	for _, prepare := range groups {
		if err := prepare(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into the
// main database.
func (s *Store) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing orchestrator state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *Store) closeStatements() error {
	stmts := []*sql.Stmt{
		s.transformStmts.get, s.transformStmts.insert, s.transformStmts.listEnabled,
		s.transformStmts.setEnabled, s.transformStmts.delete, s.transformStmts.owner,
		s.targetStmts.get, s.targetStmts.insert, s.targetStmts.listScannable,
		s.targetStmts.acquireLease, s.targetStmts.releaseLease,
		s.targetStmts.advanceWatermark, s.targetStmts.touchProcessed,
		s.documentStmts.upsert, s.documentStmts.listChanged,
		s.batchStmts.get, s.batchStmts.insert, s.batchStmts.retry,
		s.batchStmts.listStuck, s.batchStmts.countByStatus,
		s.outboxStmts.get, s.outboxStmts.listDue, s.outboxStmts.markPublished,
		s.outboxStmts.markFailed, s.outboxStmts.markExpired, s.outboxStmts.reset,
		s.outboxStmts.deleteOldPublished, s.outboxStmts.listExpired,
		s.statsStmts.get, s.statsStmts.applyDelta, s.statsStmts.resetForRun,
		s.reconStmts.startRun, s.reconStmts.finishRun, s.reconStmts.listRecent,
		s.reconStmts.acquireLease, s.reconStmts.releaseLease,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}
