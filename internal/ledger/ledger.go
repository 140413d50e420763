// Package ledger keeps per-account balances with an append-only transaction
// log. The conservation invariant: replaying an account's log from zero
// reproduces its balance exactly, and the balance never goes negative.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/observability"
)

var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrBelowMinimum         = errors.New("amount below minimum withdrawal")
	ErrAboveMaximum         = errors.New("amount above maximum withdrawal")
	ErrWithdrawalInProgress = errors.New("a withdrawal is already in progress")
	ErrAccountNotFound      = errors.New("account not found")
	ErrWithdrawalNotFound   = errors.New("withdrawal not found")
	ErrWithdrawalFinal      = errors.New("withdrawal already settled")
)

type AccountType string

const (
	AccountCustomer AccountType = "customer"
	AccountWorker   AccountType = "worker"
)

type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

// Transaction is one immutable log line. Amounts are minor units.
type Transaction struct {
	Type         TransactionType `json:"type"`
	Category     string          `json:"category"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balance_after"`
	Reference    string          `json:"reference"`
	At           time.Time       `json:"at"`
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

func (s WithdrawalStatus) final() bool {
	switch s {
	case WithdrawalCompleted, WithdrawalFailed, WithdrawalCancelled:
		return true
	}
	return false
}

type WithdrawalRequest struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	Amount        int64            `json:"amount"`
	PayoutDetails string           `json:"payout_details"`
	Status        WithdrawalStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Balance is the spendable/held snapshot returned to callers.
type Balance struct {
	AccountID      string      `json:"account_id"`
	AccountType    AccountType `json:"account_type"`
	Balance        int64       `json:"balance"`
	PendingBalance int64       `json:"pending_balance"`
}

type account struct {
	mu          sync.Mutex
	id          string
	accountType AccountType
	balance     int64
	pending     int64
	// log is a bounded window, oldest entries pruned; the full trail goes
	// to the audit sink.
	log         []Transaction
	withdrawals []*WithdrawalRequest
}

// AuditSink receives every transaction for durable full-history storage.
// Called outside the account lock.
type AuditSink interface {
	SaveTransaction(accountID string, tx Transaction) error
}

// Config tunes the ledger. Zero values fall back to defaults.
type Config struct {
	HistoryCap    int
	MinWithdrawal int64
	MaxWithdrawal int64
}

func (c Config) withDefaults() Config {
	if c.HistoryCap <= 0 {
		c.HistoryCap = 500
	}
	if c.MinWithdrawal <= 0 {
		c.MinWithdrawal = 100
	}
	if c.MaxWithdrawal <= 0 {
		c.MaxWithdrawal = 50000
	}
	return c
}

// Service owns all wallet accounts. Operations on one account are serialized
// by that account's mutex; different accounts proceed independently.
type Service struct {
	mu       sync.Mutex
	accounts map[string]*account
	cfg      Config
	audit    AuditSink
	nextID   int64
}

func NewService(cfg Config, audit AuditSink) *Service {
	return &Service{accounts: make(map[string]*account), cfg: cfg.withDefaults(), audit: audit}
}

// accountFor lazily creates the account on first touch; accounts are never
// deleted.
func (s *Service) accountFor(accountID string, t AccountType) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		a = &account{id: accountID, accountType: t}
		s.accounts[accountID] = a
	}
	return a
}

func (s *Service) lookup(accountID string) (*account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return a, nil
}

func (a *account) appendTx(limit int, t TransactionType, category string, amount int64, reference string) Transaction {
	tx := Transaction{
		Type:         t,
		Category:     category,
		Amount:       amount,
		BalanceAfter: a.balance,
		Reference:    reference,
		At:           time.Now(),
	}
	a.log = append(a.log, tx)
	if len(a.log) > limit {
		a.log = append(a.log[:0:0], a.log[len(a.log)-limit:]...)
	}
	return tx
}

// Credit adds amount to the account, creating it if needed.
func (s *Service) Credit(accountID string, t AccountType, amount int64, category, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	a := s.accountFor(accountID, t)

	a.mu.Lock()
	a.balance += amount
	tx := a.appendTx(s.cfg.HistoryCap, TxCredit, category, amount, reference)
	a.mu.Unlock()

	s.writeAudit(accountID, tx)
	return tx, nil
}

// Debit removes amount, failing with ErrInsufficientBalance if the spendable
// balance does not cover it.
func (s *Service) Debit(accountID string, amount int64, category, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	a, err := s.lookup(accountID)
	if err != nil {
		return Transaction{}, err
	}

	a.mu.Lock()
	if amount > a.balance {
		a.mu.Unlock()
		return Transaction{}, ErrInsufficientBalance
	}
	a.balance -= amount
	tx := a.appendTx(s.cfg.HistoryCap, TxDebit, category, amount, reference)
	a.mu.Unlock()

	s.writeAudit(accountID, tx)
	return tx, nil
}

// writeAudit runs after the account lock is released: the durable sink and
// metrics see every committed transaction, in commit order per account.
func (s *Service) writeAudit(accountID string, tx Transaction) {
	observability.WalletTransactions.WithLabelValues(string(tx.Type), tx.Category).Inc()
	if s.audit != nil {
		_ = s.audit.SaveTransaction(accountID, tx)
	}
}

// GetBalance returns the current snapshot.
func (s *Service) GetBalance(accountID string) (Balance, error) {
	a, err := s.lookup(accountID)
	if err != nil {
		return Balance{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return Balance{AccountID: a.id, AccountType: a.accountType, Balance: a.balance, PendingBalance: a.pending}, nil
}

// GetHistory pages through the in-memory transaction window newest-first.
// page starts at 1.
func (s *Service) GetHistory(accountID string, page, pageSize int) ([]Transaction, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	a, err := s.lookup(accountID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.log)
	start := (page - 1) * pageSize
	if start >= n {
		return []Transaction{}, nil
	}
	end := start + pageSize
	if end > n {
		end = n
	}
	out := make([]Transaction, 0, end-start)
	for i := n - 1 - start; i >= n-end; i-- {
		out = append(out, a.log[i])
	}
	return out, nil
}

// RequestWithdrawal holds amount out of the spendable balance and creates a
// pending request. At most one pending/processing request per account.
func (s *Service) RequestWithdrawal(accountID string, amount int64, payoutDetails string) (WithdrawalRequest, error) {
	if amount <= 0 {
		return WithdrawalRequest{}, ErrInvalidAmount
	}
	if amount < s.cfg.MinWithdrawal {
		return WithdrawalRequest{}, ErrBelowMinimum
	}
	if amount > s.cfg.MaxWithdrawal {
		return WithdrawalRequest{}, ErrAboveMaximum
	}
	a, err := s.lookup(accountID)
	if err != nil {
		return WithdrawalRequest{}, err
	}

	a.mu.Lock()
	for _, w := range a.withdrawals {
		if !w.Status.final() {
			a.mu.Unlock()
			return WithdrawalRequest{}, ErrWithdrawalInProgress
		}
	}
	if amount > a.balance {
		a.mu.Unlock()
		return WithdrawalRequest{}, ErrInsufficientBalance
	}
	a.balance -= amount
	a.pending += amount
	tx := a.appendTx(s.cfg.HistoryCap, TxDebit, "withdrawal_hold", amount, "")
	now := time.Now()
	req := &WithdrawalRequest{
		ID:            s.newWithdrawalID(),
		AccountID:     accountID,
		Amount:        amount,
		PayoutDetails: payoutDetails,
		Status:        WithdrawalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	a.withdrawals = append(a.withdrawals, req)
	out := *req
	a.mu.Unlock()

	s.writeAudit(accountID, tx)
	return out, nil
}

func (s *Service) newWithdrawalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return fmt.Sprintf("wd-%d", s.nextID)
}

// SettleWithdrawal is the settlement callback. Completed clears the held
// amount; failed/cancelled restores it to the spendable balance with a
// reversing credit. Processing marks the request in flight.
func (s *Service) SettleWithdrawal(accountID, withdrawalID string, outcome WithdrawalStatus) (WithdrawalRequest, error) {
	switch outcome {
	case WithdrawalProcessing, WithdrawalCompleted, WithdrawalFailed, WithdrawalCancelled:
	default:
		return WithdrawalRequest{}, fmt.Errorf("invalid withdrawal outcome %q", outcome)
	}
	a, err := s.lookup(accountID)
	if err != nil {
		return WithdrawalRequest{}, err
	}

	a.mu.Lock()
	var req *WithdrawalRequest
	for _, w := range a.withdrawals {
		if w.ID == withdrawalID {
			req = w
			break
		}
	}
	if req == nil {
		a.mu.Unlock()
		return WithdrawalRequest{}, ErrWithdrawalNotFound
	}
	if req.Status.final() {
		a.mu.Unlock()
		return WithdrawalRequest{}, ErrWithdrawalFinal
	}

	var reversal *Transaction
	switch outcome {
	case WithdrawalCompleted:
		a.pending -= req.Amount
	case WithdrawalFailed, WithdrawalCancelled:
		a.pending -= req.Amount
		a.balance += req.Amount
		tx := a.appendTx(s.cfg.HistoryCap, TxCredit, "withdrawal_reversal", req.Amount, req.ID)
		reversal = &tx
	}
	req.Status = outcome
	req.UpdatedAt = time.Now()
	out := *req
	a.mu.Unlock()

	if reversal != nil {
		s.writeAudit(accountID, *reversal)
	}
	return out, nil
}

// Withdrawals returns the account's withdrawal requests, newest first.
func (s *Service) Withdrawals(accountID string) ([]WithdrawalRequest, error) {
	a, err := s.lookup(accountID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]WithdrawalRequest, 0, len(a.withdrawals))
	for i := len(a.withdrawals) - 1; i >= 0; i-- {
		out = append(out, *a.withdrawals[i])
	}
	return out, nil
}
