// Package testutil provides an in-memory implementation of the repository
// interfaces for unit tests. It mimics the storage-level guarantees the
// engine relies on: the external_id unique index, conditional transitions,
// and the once-only balance_applied flip.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/nexus/payments/internal/domain"
	"github.com/nexus/payments/internal/repository"
)

// MemStore implements repository.DB, PlayerRepository, TransactionRepository
// and OutboxRepository in memory.
type MemStore struct {
	mu         sync.Mutex
	players    map[string]*domain.Player // by uuid
	byUsername map[string]string         // username -> uuid
	byExternal map[string]*domain.Transaction
	byID       map[int64]*domain.Transaction
	nextID     int64
	Outbox     []domain.OutboxEvent
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		players:    make(map[string]*domain.Player),
		byUsername: make(map[string]string),
		byExternal: make(map[string]*domain.Transaction),
		byID:       make(map[int64]*domain.Transaction),
	}
}

// AddPlayer seeds a player and returns it.
func (s *MemStore) AddPlayer(uuid, username string, money decimal.Decimal) *domain.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &domain.Player{UUID: uuid, Username: username, Money: money, CreatedAt: time.Now()}
	s.players[uuid] = p
	s.byUsername[username] = uuid
	return p
}

// Balance returns the current balance of a player.
func (s *MemStore) Balance(uuid string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players[uuid].Money
}

// TransactionByExternalID returns a copy of the stored row, or nil.
func (s *MemStore) TransactionByExternalID(externalID string) *domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTx(s.byExternal[externalID])
}

// TransactionCount returns the number of stored transactions.
func (s *MemStore) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// --- repository.DB ---

func (s *MemStore) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("raw SQL not supported by MemStore")
}

func (s *MemStore) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("raw SQL not supported by MemStore")
}

func (s *MemStore) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	panic("raw SQL not supported by MemStore")
}

func (s *MemStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return memTx{}, nil
}

// memTx satisfies pgx.Tx via the embedded interface; only Commit and
// Rollback are ever called because the fake repositories ignore their DBTX
// argument.
type memTx struct{ pgx.Tx }

func (memTx) Commit(ctx context.Context) error   { return nil }
func (memTx) Rollback(ctx context.Context) error { return nil }

// --- repository.PlayerRepository ---

func (s *MemStore) FindByUsername(ctx context.Context, db repository.DBTX, username string) (*domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uuid, ok := s.byUsername[username]
	if !ok {
		return nil, nil
	}
	return copyPlayer(s.players[uuid]), nil
}

func (s *MemStore) FindByUUID(ctx context.Context, db repository.DBTX, uuid string) (*domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPlayer(s.players[uuid]), nil
}

func (s *MemStore) Create(ctx context.Context, db repository.DBTX, player *domain.Player) error {
	s.AddPlayer(player.UUID, player.Username, player.Money)
	return nil
}

func (s *MemStore) IncrementBalance(ctx context.Context, db repository.DBTX, playerUUID string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerUUID]
	if !ok {
		return decimal.Decimal{}, errors.New("player not found")
	}
	now := time.Now()
	p.Money = p.Money.Add(amount)
	p.LastTransaction = &now
	return p.Money, nil
}

// --- repository.TransactionRepository ---

func (s *MemStore) Insert(ctx context.Context, db repository.DBTX, params domain.NewTransaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byExternal[params.ExternalID]; exists {
		return nil, domain.ErrDuplicateTransaction
	}
	s.nextID++
	now := time.Now()
	meta := params.Metadata
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	tx := &domain.Transaction{
		ID:            s.nextID,
		PlayerUUID:    params.PlayerUUID,
		Amount:        params.Amount,
		Type:          params.Type,
		Status:        params.Status,
		Description:   params.Description,
		PaymentMethod: params.PaymentMethod,
		ExternalID:    params.ExternalID,
		Metadata:      meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.byExternal[tx.ExternalID] = tx
	s.byID[tx.ID] = tx
	return copyTx(tx), nil
}

func (s *MemStore) FindByExternalID(ctx context.Context, db repository.DBTX, externalID string) (*domain.Transaction, error) {
	return s.TransactionByExternalID(externalID), nil
}

func (s *MemStore) TransitionStatus(ctx context.Context, db repository.DBTX, externalID string, from, to domain.TransactionStatus, meta json.RawMessage) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byExternal[externalID]
	if !ok || tx.Status != from {
		return nil, nil
	}
	tx.Status = to
	tx.Metadata = mergeMeta(tx.Metadata, meta)
	tx.UpdatedAt = time.Now()
	return copyTx(tx), nil
}

func (s *MemStore) FailUnlessCompleted(ctx context.Context, db repository.DBTX, externalID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byExternal[externalID]
	if !ok || tx.Status == domain.StatusCompleted {
		return nil, nil
	}
	tx.Status = domain.StatusFailed
	tx.UpdatedAt = time.Now()
	return copyTx(tx), nil
}

func (s *MemStore) ClaimBalanceApplication(ctx context.Context, db repository.DBTX, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok || tx.BalanceApplied {
		return false, nil
	}
	tx.BalanceApplied = true
	tx.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemStore) ListUnapplied(ctx context.Context, db repository.DBTX, before time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range s.byID {
		if tx.Status == domain.StatusCompleted && !tx.BalanceApplied && tx.UpdatedAt.Before(before) {
			out = append(out, *copyTx(tx))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// SetUnapplied rewinds a transaction to the crashed state (COMPLETED, credit
// never landed) for sweeper tests.
func (s *MemStore) SetUnapplied(externalID string, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.byExternal[externalID]
	tx.BalanceApplied = false
	tx.UpdatedAt = updatedAt
}

// --- repository.OutboxRepository ---

// OutboxRepo returns the store's OutboxRepository view. A separate type
// because both TransactionRepository and OutboxRepository name their write
// method Insert.
func (s *MemStore) OutboxRepo() repository.OutboxRepository {
	return memOutbox{s}
}

type memOutbox struct{ s *MemStore }

func (o memOutbox) Insert(ctx context.Context, db repository.DBTX, event domain.OutboxEvent) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	o.s.Outbox = append(o.s.Outbox, event)
	return nil
}

func copyPlayer(p *domain.Player) *domain.Player {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func copyTx(tx *domain.Transaction) *domain.Transaction {
	if tx == nil {
		return nil
	}
	cp := *tx
	return &cp
}

func mergeMeta(base, extra json.RawMessage) json.RawMessage {
	m := map[string]any{}
	if base != nil {
		json.Unmarshal(base, &m)
	}
	if extra != nil {
		var e map[string]any
		json.Unmarshal(extra, &e)
		for k, v := range e {
			m[k] = v
		}
	}
	out, _ := json.Marshal(m)
	return out
}
