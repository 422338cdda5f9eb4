// Package ports declares the collaborators the recurring engine's caller
// talks to. Persistence and notification live behind these interfaces.
package ports

import (
	"context"

	"moneta/internal/core"
)

type (
	// RuleStore loads and saves the full set of recurring rules.
	// SaveRules replaces the whole collection; there is no partial update.
	RuleStore interface {
		LoadRules(ctx context.Context) ([]core.RecurringRule, error)
		SaveRules(ctx context.Context, rules []core.RecurringRule) error
	}

	// TransactionSink merges transactions into the existing collection.
	// The batch is placed ahead of existing entries, keeping its own order.
	TransactionSink interface {
		AppendTransactions(ctx context.Context, txs []core.Transaction) error
	}

	// TransactionLister returns stored transactions, newest first.
	// A limit <= 0 returns everything.
	TransactionLister interface {
		ListTransactions(ctx context.Context, limit int) ([]core.Transaction, error)
	}

	// Reporter surfaces the number of materialized transactions to the user.
	// Implementations must do nothing when count is 0.
	Reporter interface {
		Notify(ctx context.Context, count int) error
	}

	// Committer is implemented by stores able to persist rules and
	// transactions atomically. Callers prefer it over the two-step write.
	Committer interface {
		Commit(ctx context.Context, rules []core.RecurringRule, txs []core.Transaction) error
	}

	// Store is what a backend provides to the recurring service.
	Store interface {
		RuleStore
		TransactionSink
		TransactionLister
	}
)

type runIDKey struct{}

// WithRunID tags ctx with the id of the refresh run that is reporting.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the refresh run id, or "" outside a run.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
