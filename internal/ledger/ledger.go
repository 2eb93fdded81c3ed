// Package ledger implements the AccountLedger component (spec §4.6): one
// balance/frozen/used-margin row per user, durable via snapshotstore.
// Grounded in the teacher's pkg/app/core/account/manager.go (Deposit,
// Withdraw, LockCollateral/UnlockCollateral, ApplyFees idioms), redesigned
// per spec §5 from one global RWMutex guarding every account to a
// per-user mutex: Engine goroutines touch disjoint users far more often
// than they touch the same one, and a single ledger-wide lock would
// serialize every instrument's fills through one contention point.
// TransferFee, the one method that touches two users, locks both in
// ascending address order to avoid deadlock. Trade settlement does not
// hold both users' locks: the Controller adjusts the taker and then the
// maker through separate calls, each under that user's own lock.
package ledger

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lanpishu6300/perpcore/internal/coreerr"
	"github.com/lanpishu6300/perpcore/internal/snapshotstore"
)

type account struct {
	mu         sync.Mutex
	balance    int64
	frozen     int64
	usedMargin int64
}

func (a *account) available() int64 {
	return a.balance - a.frozen - a.usedMargin
}

// Ledger holds one account row per user, each independently lockable.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[common.Address]*account
	store    *snapshotstore.Store
}

// New creates an empty in-memory ledger backed by store for persistence.
// store may be nil for tests that don't need durability.
func New(store *snapshotstore.Store) *Ledger {
	return &Ledger{
		accounts: make(map[common.Address]*account),
		store:    store,
	}
}

func (l *Ledger) getOrCreate(addr common.Address) *account {
	l.mu.RLock()
	a, ok := l.accounts[addr]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[addr]; ok {
		return a
	}
	a = &account{}
	if l.store != nil {
		if row, err := l.store.LoadBalance(addr); err == nil && row != nil {
			a.balance, a.frozen, a.usedMargin = row.Balance, row.Frozen, row.UsedMargin
		}
	}
	l.accounts[addr] = a
	return a
}

func (l *Ledger) persist(addr common.Address, a *account) error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveBalance(snapshotstore.BalanceRow{
		UserID:     addr,
		Balance:    a.balance,
		Frozen:     a.frozen,
		UsedMargin: a.usedMargin,
	})
}

// Available returns balance - frozen - used_margin for one user.
func (l *Ledger) Available(addr common.Address) int64 {
	a := l.getOrCreate(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available()
}

// Balance returns (balance, frozen, usedMargin) for one user.
func (l *Ledger) Balance(addr common.Address) (balance, frozen, usedMargin int64) {
	a := l.getOrCreate(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, a.frozen, a.usedMargin
}

// Deposit credits amount to a user's balance. amount must be positive.
func (l *Ledger) Deposit(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", coreerr.ErrInvalidOrder)
	}
	a := l.getOrCreate(addr)
	a.mu.Lock()
	a.balance += amount
	err := l.persist(addr, a)
	a.mu.Unlock()
	return err
}

// Withdraw debits amount from a user's available balance.
func (l *Ledger) Withdraw(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", coreerr.ErrInvalidOrder)
	}
	a := l.getOrCreate(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.available() < amount {
		return fmt.Errorf("%w: have %d available, need %d", coreerr.ErrInsufficientMargin, a.available(), amount)
	}
	a.balance -= amount
	return l.persist(addr, a)
}

// Freeze moves amount from available into frozen — used to reserve
// margin for a resting order before it is admitted to the book, so a
// user can never place more orders than their balance can cover.
func (l *Ledger) Freeze(addr common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: freeze amount cannot be negative", coreerr.ErrInvalidOrder)
	}
	if amount == 0 {
		return nil
	}
	a := l.getOrCreate(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.available() < amount {
		return fmt.Errorf("%w: have %d available, need %d", coreerr.ErrInsufficientMargin, a.available(), amount)
	}
	a.frozen += amount
	return l.persist(addr, a)
}

// Unfreeze releases amount back into available — on cancel, when an
// order is rejected after its freeze, or for the part of a taker's
// reservation its fills did not use. Converting frozen margin into
// used_margin on a fill is AdjustMargin's job.
func (l *Ledger) Unfreeze(addr common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: unfreeze amount cannot be negative", coreerr.ErrInvalidOrder)
	}
	if amount == 0 {
		return nil
	}
	a := l.getOrCreate(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen < amount {
		return fmt.Errorf("%w: cannot unfreeze more than frozen: frozen=%d, amount=%d", coreerr.ErrInvalidOrder, a.frozen, amount)
	}
	a.frozen -= amount
	return l.persist(addr, a)
}

// AdjustMargin moves delta between frozen and used_margin (positive:
// frozen→used_margin on fill; negative: used_margin→frozen on
// position reduction), and adjusts balance by pnlDelta (realized PnL
// or fee) in the same durable write.
func (l *Ledger) AdjustMargin(addr common.Address, marginDelta, pnlDelta int64) error {
	a := l.getOrCreate(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if marginDelta > 0 {
		if a.frozen < marginDelta {
			return fmt.Errorf("%w: cannot move %d from frozen (%d) to used_margin", coreerr.ErrInvalidOrder, marginDelta, a.frozen)
		}
		a.frozen -= marginDelta
		a.usedMargin += marginDelta
	} else if marginDelta < 0 {
		release := -marginDelta
		if a.usedMargin < release {
			release = a.usedMargin
		}
		a.usedMargin -= release
		a.frozen += release
	}
	a.balance += pnlDelta
	return l.persist(addr, a)
}

// TransferFee debits amount from payer and credits it to payee — used
// when a taker fee is split or routed to a maker rebate / insurance
// fund. Locks both accounts in ascending address order to avoid
// deadlocking against a concurrent transfer in the other direction.
func (l *Ledger) TransferFee(payer, payee common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", coreerr.ErrInvalidOrder)
	}
	pa, pb := l.getOrCreate(payer), l.getOrCreate(payee)
	first, second := pa, pb
	if bytes.Compare(payer.Bytes(), payee.Bytes()) > 0 {
		first, second = pb, pa
	}
	first.mu.Lock()
	if first != second {
		second.mu.Lock()
	}
	defer func() {
		if first != second {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}()

	if pa.available() < amount {
		return fmt.Errorf("%w: payer has %d available, need %d", coreerr.ErrInsufficientMargin, pa.available(), amount)
	}
	pa.balance -= amount
	pb.balance += amount
	if err := l.persist(payer, pa); err != nil {
		return err
	}
	return l.persist(payee, pb)
}
