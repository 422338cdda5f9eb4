// Package memory provides a process-local rule store and transaction sink.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"moneta/internal/core"
	"moneta/internal/ports"
)

var (
	_ ports.Store     = (*Store)(nil)
	_ ports.Committer = (*Store)(nil)
)

type Store struct {
	mu    sync.Mutex
	rules []core.RecurringRule
	txs   []core.Transaction // newest first
}

func New(rules []core.RecurringRule, txs []core.Transaction) *Store {
	return &Store{
		rules: append([]core.RecurringRule(nil), rules...),
		txs:   append([]core.Transaction(nil), txs...),
	}
}

// seedFile is the JSON layout accepted by NewFromFile.
type seedFile struct {
	Rules        []core.RecurringRule `json:"rules"`
	Transactions []core.Transaction   `json:"transactions"`
}

// NewFromFile seeds the store from a JSON file. A missing file yields an
// empty store.
func NewFromFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(nil, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return New(seed.Rules, seed.Transactions), nil
}

// LoadRules returns a copy of the stored rules.
func (s *Store) LoadRules(_ context.Context) ([]core.RecurringRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RecurringRule(nil), s.rules...), nil
}

// SaveRules replaces the stored rules.
func (s *Store) SaveRules(_ context.Context, rules []core.RecurringRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]core.RecurringRule(nil), rules...)
	return nil
}

// AppendTransactions places the batch ahead of the existing transactions.
func (s *Store) AppendTransactions(_ context.Context, txs []core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepend(txs)
	return nil
}

// Commit saves rules and transactions under one lock.
func (s *Store) Commit(_ context.Context, rules []core.RecurringRule, txs []core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepend(txs)
	s.rules = append([]core.RecurringRule(nil), rules...)
	return nil
}

// ListTransactions returns up to limit transactions, newest first.
func (s *Store) ListTransactions(_ context.Context, limit int) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.txs)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]core.Transaction(nil), s.txs[:n]...), nil
}

func (s *Store) prepend(txs []core.Transaction) {
	if len(txs) == 0 {
		return
	}
	merged := make([]core.Transaction, 0, len(txs)+len(s.txs))
	merged = append(merged, txs...)
	s.txs = append(merged, s.txs...)
}
