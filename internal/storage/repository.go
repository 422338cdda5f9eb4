package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"moneta/internal/core"
	applog "moneta/internal/log"
	"moneta/internal/ports"

	_ "modernc.org/sqlite"
)

// ErrConcurrentModification is returned when the rule set changed in the
// database after this repository last loaded it.
var ErrConcurrentModification = errors.New("rule set modified concurrently")

var (
	_ ports.Store     = (*SQLiteRepository)(nil)
	_ ports.Committer = (*SQLiteRepository)(nil)
)

type SQLiteRepository struct {
	db *sql.DB

	mu             sync.Mutex
	loaded         bool
	loadedRevision int64
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps pragmas applied and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// LoadRules implements ports.RuleStore. It records the rule set revision so a
// later save can detect writes made by another process in between.
func (r *SQLiteRepository) LoadRules(ctx context.Context) ([]core.RecurringRule, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	revision, err := currentRevision(ctx, tx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, frequency, next_due_date, active, last_run,
		       amount_cents, category, payment_mode, note, type
		FROM recurring_rules
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []core.RecurringRule
	for rows.Next() {
		var (
			rule      core.RecurringRule
			frequency string
			txType    string
		)
		err := rows.Scan(&rule.ID, &frequency, &rule.NextDueDate, &rule.Active, &rule.LastRun,
			&rule.Template.Amount.Cents, &rule.Template.Category, &rule.Template.PaymentMode,
			&rule.Template.Note, &txType)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.Frequency = core.Frequency(frequency)
		rule.Template.Type = core.TransactionType(txType)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}

	r.mu.Lock()
	r.loaded = true
	r.loadedRevision = revision
	r.mu.Unlock()

	slog.DebugContext(ctx, "Rules loaded from SQLite",
		applog.FieldComponent, applog.ComponentStorage,
		applog.FieldOperation, applog.OpLoad,
		applog.FieldRules, len(rules),
		"revision", revision)

	return rules, nil
}

// SaveRules implements ports.RuleStore by replacing the whole rule set.
func (r *SQLiteRepository) SaveRules(ctx context.Context, rules []core.RecurringRule) error {
	return r.withRuleSetTx(ctx, func(tx *sql.Tx) error {
		return replaceRules(ctx, tx, rules)
	})
}

// AppendTransactions implements ports.TransactionSink.
func (r *SQLiteRepository) AppendTransactions(ctx context.Context, txs []core.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertTransactions(ctx, tx, txs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transactions: %w", err)
	}

	slog.DebugContext(ctx, "Transactions saved to SQLite",
		applog.FieldComponent, applog.ComponentStorage,
		applog.FieldOperation, applog.OpSave,
		"count", len(txs))
	return nil
}

// Commit implements ports.Committer: the materialized transactions and the
// advanced rules are written in one database transaction.
func (r *SQLiteRepository) Commit(ctx context.Context, rules []core.RecurringRule, txs []core.Transaction) error {
	return r.withRuleSetTx(ctx, func(tx *sql.Tx) error {
		if err := insertTransactions(ctx, tx, txs); err != nil {
			return err
		}
		return replaceRules(ctx, tx, rules)
	})
}

// ListTransactions implements ports.TransactionLister.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	query := `
		SELECT id, date, created_at, amount_cents, category, payment_mode, note, type, rule_id
		FROM transactions
		ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		var (
			t         core.Transaction
			createdAt string
			txType    string
		)
		err := rows.Scan(&t.ID, &t.Date, &createdAt, &t.Amount.Cents, &t.Category,
			&t.PaymentMode, &t.Note, &txType, &t.RuleID)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = core.TransactionType(txType)
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of %s: %w", t.ID, err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	return txs, nil
}

// withRuleSetTx runs fn inside a write transaction guarded by the rule set
// revision and bumps the revision on success.
func (r *SQLiteRepository) withRuleSetTx(ctx context.Context, fn func(*sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	revision, err := currentRevision(ctx, tx)
	if err != nil {
		return err
	}
	if r.loaded && revision != r.loadedRevision {
		return fmt.Errorf("%w: loaded revision %d, stored revision %d",
			ErrConcurrentModification, r.loadedRevision, revision)
	}

	if err := fn(tx); err != nil {
		return err
	}

	next := revision + 1
	if _, err := tx.ExecContext(ctx, `UPDATE rule_set_meta SET revision = ? WHERE id = 1`, next); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rule set: %w", err)
	}

	r.loaded = true
	r.loadedRevision = next

	slog.DebugContext(ctx, "Rule set saved to SQLite",
		applog.FieldComponent, applog.ComponentStorage,
		applog.FieldOperation, applog.OpSave,
		"revision", next)
	return nil
}

func currentRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var revision int64
	err := tx.QueryRowContext(ctx, `SELECT revision FROM rule_set_meta WHERE id = 1`).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("read rule set revision: %w", err)
	}
	return revision, nil
}

func replaceRules(ctx context.Context, tx *sql.Tx, rules []core.RecurringRule) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM recurring_rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recurring_rules (id, position, frequency, next_due_date, active, last_run,
		                             amount_cents, category, payment_mode, note, type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare rule insert: %w", err)
	}
	defer stmt.Close()

	for i, rule := range rules {
		_, err := stmt.ExecContext(ctx, rule.ID, i, string(rule.Frequency), rule.NextDueDate,
			rule.Active, rule.LastRun, rule.Template.Amount.Cents, rule.Template.Category,
			rule.Template.PaymentMode, rule.Template.Note, string(rule.Template.Type))
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// insertTransactions stores the batch so that it lists ahead of existing
// rows in its own order: rows are inserted last-to-first and listed by
// descending sequence.
func insertTransactions(ctx context.Context, tx *sql.Tx, txs []core.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (id, date, created_at, amount_cents, category,
		                          payment_mode, note, type, rule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare transaction insert: %w", err)
	}
	defer stmt.Close()

	for i := len(txs) - 1; i >= 0; i-- {
		t := txs[i]
		_, err := stmt.ExecContext(ctx, t.ID, t.Date, t.CreatedAt.Format(time.RFC3339Nano),
			t.Amount.Cents, t.Category, t.PaymentMode, t.Note, string(t.Type), t.RuleID)
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.ID, err)
		}
	}
	return nil
}
