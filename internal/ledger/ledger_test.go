package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestDepositAndAvailable(t *testing.T) {
	l := New(nil)
	if err := l.Deposit(addrA, 1000); err != nil {
		t.Fatal(err)
	}
	if got := l.Available(addrA); got != 1000 {
		t.Fatalf("expected available 1000, got %d", got)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	l := New(nil)
	l.Deposit(addrA, 100)
	if err := l.Withdraw(addrA, 200); err == nil {
		t.Fatal("expected insufficient margin error")
	}
}

func TestFreezeReducesAvailable(t *testing.T) {
	l := New(nil)
	l.Deposit(addrA, 1000)
	if err := l.Freeze(addrA, 400); err != nil {
		t.Fatal(err)
	}
	if got := l.Available(addrA); got != 600 {
		t.Fatalf("expected available 600, got %d", got)
	}
}

func TestFreezeRejectsOverAvailable(t *testing.T) {
	l := New(nil)
	l.Deposit(addrA, 100)
	if err := l.Freeze(addrA, 200); err == nil {
		t.Fatal("expected insufficient margin error")
	}
}

func TestUnfreezeRestoresAvailable(t *testing.T) {
	l := New(nil)
	l.Deposit(addrA, 1000)
	l.Freeze(addrA, 400)
	if err := l.Unfreeze(addrA, 400); err != nil {
		t.Fatal(err)
	}
	if got := l.Available(addrA); got != 1000 {
		t.Fatalf("expected available back to 1000, got %d", got)
	}
}

func TestAdjustMarginMovesFrozenToUsed(t *testing.T) {
	l := New(nil)
	l.Deposit(addrA, 1000)
	l.Freeze(addrA, 400)
	if err := l.AdjustMargin(addrA, 400, 0); err != nil {
		t.Fatal(err)
	}
	balance, frozen, used := l.Balance(addrA)
	if frozen != 0 || used != 400 || balance != 1000 {
		t.Fatalf("unexpected balances: balance=%d frozen=%d used=%d", balance, frozen, used)
	}
}

func TestAdjustMarginAppliesPnL(t *testing.T) {
	l := New(nil)
	l.Deposit(addrA, 1000)
	if err := l.AdjustMargin(addrA, 0, 250); err != nil {
		t.Fatal(err)
	}
	if got := l.Available(addrA); got != 1250 {
		t.Fatalf("expected available 1250 after PnL credit, got %d", got)
	}
}

func TestTransferFeeMovesBalanceBetweenUsers(t *testing.T) {
	l := New(nil)
	l.Deposit(addrA, 1000)
	l.Deposit(addrB, 0)
	if err := l.TransferFee(addrA, addrB, 100); err != nil {
		t.Fatal(err)
	}
	if got := l.Available(addrA); got != 900 {
		t.Fatalf("expected payer left with 900, got %d", got)
	}
	if got := l.Available(addrB); got != 100 {
		t.Fatalf("expected payee credited 100, got %d", got)
	}
}

func TestTransferFeeInsufficientBalance(t *testing.T) {
	l := New(nil)
	l.Deposit(addrA, 10)
	if err := l.TransferFee(addrA, addrB, 100); err == nil {
		t.Fatal("expected insufficient margin error")
	}
}
