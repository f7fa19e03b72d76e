package storage

import "fmt"

type batchOp struct {
	key   []byte
	value []byte
}

// Batch collects writes that a Database applies together: either every Put
// lands or none does.
type Batch struct {
	ops []batchOp
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Put queues key=value. Later puts to the same key win.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Len reports the number of queued writes.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

func (b *Batch) validate() error {
	if b == nil {
		return fmt.Errorf("storage: nil batch")
	}
	for _, op := range b.ops {
		if len(op.key) == 0 {
			return fmt.Errorf("storage: empty key in batch")
		}
	}
	return nil
}
