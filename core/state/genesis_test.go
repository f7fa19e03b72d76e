package state

import (
	"math/big"
	"testing"

	"dealescrow/storage"
)

func TestApplyGenesisOnce(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	alice := [20]byte{0xa1}
	balances := map[[20]byte]*big.Int{alice: big.NewInt(700)}

	applied, err := mgr.ApplyGenesis(balances)
	if err != nil || !applied {
		t.Fatalf("expected first application, got %v %v", applied, err)
	}
	applied, err = mgr.ApplyGenesis(balances)
	if err != nil || applied {
		t.Fatalf("expected second application to be skipped, got %v %v", applied, err)
	}
	bal, err := mgr.Balance(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Int64() != 700 {
		t.Fatalf("expected 700, got %s", bal)
	}
}

func TestApplyGenesisRejectsNegative(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	if _, err := mgr.ApplyGenesis(map[[20]byte]*big.Int{{0x01}: big.NewInt(-1)}); err == nil {
		t.Fatalf("expected negative balance error")
	}
}
