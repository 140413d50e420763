package ledger

import (
	"errors"
	"sync"
	"testing"
)

func newTestService() *Service {
	return NewService(Config{MinWithdrawal: 100, MaxWithdrawal: 50000}, nil)
}

func TestCreditDebitAndReplayInvariant(t *testing.T) {
	s := newTestService()
	ops := []struct {
		credit bool
		amount int64
	}{
		{true, 500}, {true, 300}, {false, 200}, {true, 50}, {false, 100},
	}
	for _, op := range ops {
		var err error
		if op.credit {
			_, err = s.Credit("acct", AccountWorker, op.amount, "test", "")
		} else {
			_, err = s.Debit("acct", op.amount, "test", "")
		}
		if err != nil {
			t.Fatal(err)
		}
	}

	bal, err := s.GetBalance("acct")
	if err != nil {
		t.Fatal(err)
	}
	hist, err := s.GetHistory("acct", 1, 100)
	if err != nil {
		t.Fatal(err)
	}

	// replay oldest-first from zero
	var replay int64
	for i := len(hist) - 1; i >= 0; i-- {
		tx := hist[i]
		if tx.Type == TxCredit {
			replay += tx.Amount
		} else {
			replay -= tx.Amount
		}
		if replay != tx.BalanceAfter {
			t.Fatalf("balanceAfter mismatch at %d: replay=%d recorded=%d", i, replay, tx.BalanceAfter)
		}
		if replay < 0 {
			t.Fatalf("balance went negative during replay: %d", replay)
		}
	}
	if replay != bal.Balance {
		t.Fatalf("replay %d != balance %d", replay, bal.Balance)
	}
	if bal.Balance != 550 {
		t.Fatalf("expected 550, got %d", bal.Balance)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	s := newTestService()
	if _, err := s.Credit("acct", AccountWorker, 100, "test", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Debit("acct", 150, "test", ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	bal, _ := s.GetBalance("acct")
	if bal.Balance != 100 {
		t.Fatalf("failed debit must not mutate balance, got %d", bal.Balance)
	}
}

func TestRejectNonPositiveAmounts(t *testing.T) {
	s := newTestService()
	if _, err := s.Credit("acct", AccountWorker, 0, "test", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Credit("acct", AccountWorker, -5, "test", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestConcurrentCreditsSerializePerAccount(t *testing.T) {
	s := newTestService()
	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.Credit("acct", AccountWorker, 10, "test", ""); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	bal, _ := s.GetBalance("acct")
	if bal.Balance != n*10 {
		t.Fatalf("expected %d, got %d", n*10, bal.Balance)
	}
}

func TestWithdrawalBandAndBalanceChecks(t *testing.T) {
	s := newTestService()
	if _, err := s.Credit("w1", AccountWorker, 30, "test", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RequestWithdrawal("w1", 50, "upi"); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if _, err := s.RequestWithdrawal("w1", 60000, "upi"); !errors.Is(err, ErrAboveMaximum) {
		t.Fatalf("expected ErrAboveMaximum, got %v", err)
	}
	// scenario D: balance 30, request within band but over balance
	s2 := NewService(Config{MinWithdrawal: 10, MaxWithdrawal: 50000}, nil)
	if _, err := s2.Credit("w1", AccountWorker, 30, "test", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.RequestWithdrawal("w1", 40, "upi"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	bal, _ := s2.GetBalance("w1")
	if bal.Balance != 30 || bal.PendingBalance != 0 {
		t.Fatalf("rejected withdrawal must not move funds: %+v", bal)
	}
}

func TestWithdrawalHoldAndSettlement(t *testing.T) {
	s := newTestService()
	if _, err := s.Credit("w1", AccountWorker, 1000, "test", ""); err != nil {
		t.Fatal(err)
	}
	req, err := s.RequestWithdrawal("w1", 400, "upi:x@bank")
	if err != nil {
		t.Fatal(err)
	}
	bal, _ := s.GetBalance("w1")
	if bal.Balance != 600 || bal.PendingBalance != 400 {
		t.Fatalf("hold not applied: %+v", bal)
	}

	// only one outstanding request
	if _, err := s.RequestWithdrawal("w1", 200, "upi"); !errors.Is(err, ErrWithdrawalInProgress) {
		t.Fatalf("expected ErrWithdrawalInProgress, got %v", err)
	}

	if _, err := s.SettleWithdrawal("w1", req.ID, WithdrawalProcessing); err != nil {
		t.Fatal(err)
	}
	// still outstanding while processing
	if _, err := s.RequestWithdrawal("w1", 200, "upi"); !errors.Is(err, ErrWithdrawalInProgress) {
		t.Fatalf("expected ErrWithdrawalInProgress while processing, got %v", err)
	}

	if _, err := s.SettleWithdrawal("w1", req.ID, WithdrawalCompleted); err != nil {
		t.Fatal(err)
	}
	bal, _ = s.GetBalance("w1")
	if bal.Balance != 600 || bal.PendingBalance != 0 {
		t.Fatalf("completion must clear pending only: %+v", bal)
	}

	if _, err := s.SettleWithdrawal("w1", req.ID, WithdrawalFailed); !errors.Is(err, ErrWithdrawalFinal) {
		t.Fatalf("expected ErrWithdrawalFinal, got %v", err)
	}
}

func TestFailedWithdrawalRestoresBalance(t *testing.T) {
	s := newTestService()
	if _, err := s.Credit("w1", AccountWorker, 1000, "test", ""); err != nil {
		t.Fatal(err)
	}
	req, err := s.RequestWithdrawal("w1", 400, "upi")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SettleWithdrawal("w1", req.ID, WithdrawalFailed); err != nil {
		t.Fatal(err)
	}
	bal, _ := s.GetBalance("w1")
	if bal.Balance != 1000 || bal.PendingBalance != 0 {
		t.Fatalf("failed settlement must restore balance: %+v", bal)
	}

	// replay still reproduces the balance across hold + reversal
	hist, _ := s.GetHistory("w1", 1, 100)
	var replay int64
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Type == TxCredit {
			replay += hist[i].Amount
		} else {
			replay -= hist[i].Amount
		}
	}
	if replay != bal.Balance {
		t.Fatalf("replay %d != balance %d", replay, bal.Balance)
	}
}

func TestHistoryNewestFirstPaginated(t *testing.T) {
	s := newTestService()
	for i := int64(1); i <= 5; i++ {
		if _, err := s.Credit("acct", AccountWorker, i, "test", ""); err != nil {
			t.Fatal(err)
		}
	}
	page1, err := s.GetHistory("acct", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].Amount != 5 || page1[1].Amount != 4 {
		t.Fatalf("unexpected page1: %+v", page1)
	}
	page3, _ := s.GetHistory("acct", 3, 2)
	if len(page3) != 1 || page3[0].Amount != 1 {
		t.Fatalf("unexpected page3: %+v", page3)
	}
	page4, _ := s.GetHistory("acct", 4, 2)
	if len(page4) != 0 {
		t.Fatalf("expected empty page, got %+v", page4)
	}
}

func TestHistoryCapPrunesOldest(t *testing.T) {
	s := NewService(Config{HistoryCap: 3, MinWithdrawal: 100, MaxWithdrawal: 50000}, nil)
	for i := int64(1); i <= 5; i++ {
		if _, err := s.Credit("acct", AccountWorker, i, "test", ""); err != nil {
			t.Fatal(err)
		}
	}
	hist, _ := s.GetHistory("acct", 1, 10)
	if len(hist) != 3 || hist[0].Amount != 5 || hist[2].Amount != 3 {
		t.Fatalf("cap not applied newest-kept: %+v", hist)
	}
	bal, _ := s.GetBalance("acct")
	if bal.Balance != 15 {
		t.Fatalf("pruning must not touch balance, got %d", bal.Balance)
	}
}

func TestDebitUnknownAccount(t *testing.T) {
	s := newTestService()
	if _, err := s.Debit("ghost", 10, "test", ""); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
