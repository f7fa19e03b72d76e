package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"dealescrow/storage"
)

// Manager provides typed access to ledger state on top of a key-value
// database. It is the durable DealStore, the escrow vault and the treasury of
// externally tracked balances. Every record is RLP encoded under a keccak256
// key derived from a record prefix.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	dealRecordPrefix    = []byte("deal:")
	dealCounterKey      = ethcrypto.Keccak256([]byte("deal-counter"))
	escrowBalancePrefix = []byte("escrow-balance:")
	escrowTotalsKey     = ethcrypto.Keccak256([]byte("escrow-totals"))
	accountPrefix       = []byte("account:")
	genesisMarkerKey    = ethcrypto.Keccak256([]byte("genesis-applied"))
)

func prefixedKey(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

// readRecord decodes the RLP value stored at key into out. The boolean reports
// whether the key existed.
func (m *Manager) readRecord(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode record: %w", err)
	}
	return true, nil
}

func (m *Manager) writeRecord(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) loadBigInt(key []byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := m.readRecord(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (m *Manager) writeBigInt(key []byte, value *big.Int) error {
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() < 0 {
		return fmt.Errorf("state: negative value")
	}
	return m.writeRecord(key, value)
}
