package journal

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"dealescrow/core/events"
	"dealescrow/core/types"
)

// ErrChainBroken is returned by Verify when a stored entry does not hash to
// its recorded value or does not link to its predecessor.
var ErrChainBroken = errors.New("journal: hash chain broken")

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one durable, hash-chained event record.
type Entry struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement:false"`
	EventID    string `gorm:"size:36;uniqueIndex"`
	Type       string `gorm:"size:64;index"`
	DealID     uint64 `gorm:"index"`
	Attributes string `gorm:"type:text"`
	PrevHash   string `gorm:"size:64"`
	Hash       string `gorm:"size:64;uniqueIndex"`
	RecordedAt int64  `gorm:"index"`
}

// TableName pins the table name independently of the struct name.
func (Entry) TableName() string { return "deal_events" }

// Event decodes the stored attributes back into the wire form.
func (e Entry) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if e.Attributes != "" {
		if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("journal: decode attributes of %d: %w", e.Seq, err)
		}
	}
	return &types.Event{Type: e.Type, Attributes: attrs}, nil
}

// Open connects to the journal database. Supported drivers are "sqlite"
// (pure Go, dsn is a file path or ":memory:") and "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres", "postgresql":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
}

// Journal appends deal events to SQL storage. Each entry commits to the hash
// of its predecessor so any later edit or deletion is detectable.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu       sync.Mutex
	headSeq  uint64
	headHash string
}

// New migrates the schema and loads the current chain head.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: nil database")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: log, nowFn: time.Now, headHash: genesisHash}
	var last Entry
	err := db.Order("seq desc").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: load head: %w", err)
	default:
		j.headSeq = last.Seq
		j.headHash = last.Hash
	}
	return j, nil
}

// SetNowFunc overrides the clock. Intended for tests.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	j.nowFn = now
}

// Head returns the sequence and hash of the newest entry.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.headSeq, j.headHash
}

// Append stores evt as the next entry of the chain.
func (j *Journal) Append(evt *types.Event) (*Entry, error) {
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return nil, fmt.Errorf("journal: empty event")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}
	var dealID uint64
	if raw, ok := evt.Attributes["id"]; ok {
		dealID, _ = strconv.ParseUint(raw, 10, 64)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	entry := &Entry{
		Seq:        j.headSeq + 1,
		EventID:    uuid.NewString(),
		Type:       evt.Type,
		DealID:     dealID,
		Attributes: string(attrs),
		PrevHash:   j.headHash,
		RecordedAt: j.nowFn().UnixMilli(),
	}
	entry.Hash = entryHash(entry)
	if err := j.db.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("journal: append: %w", err)
	}
	j.headSeq = entry.Seq
	j.headHash = entry.Hash
	return entry, nil
}

// Emit implements events.Emitter. Storage failures are logged; the ledger
// operation that produced the event has already committed.
func (j *Journal) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	if _, err := j.Append(rendered); err != nil {
		j.logger.Error("journal append failed", "type", rendered.Type, "error", err)
	}
}

// List returns up to limit entries with a sequence greater than after.
func (j *Journal) List(after uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []Entry
	err := j.db.Where("seq > ?", after).Order("seq asc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// ForDeal returns every entry recorded for a deal in order.
func (j *Journal) ForDeal(id uint64) ([]Entry, error) {
	var out []Entry
	if err := j.db.Where("deal_id = ?", id).Order("seq asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: deal history: %w", err)
	}
	return out, nil
}

// Verify walks the full chain and returns the number of entries checked.
func (j *Journal) Verify() (uint64, error) {
	prev := genesisHash
	var checked, after uint64
	for {
		batch, err := j.List(after, 500)
		if err != nil {
			return checked, err
		}
		if len(batch) == 0 {
			return checked, nil
		}
		for i := range batch {
			entry := &batch[i]
			if entry.Seq != after+1 {
				return checked, fmt.Errorf("%w: gap before seq %d", ErrChainBroken, entry.Seq)
			}
			if entry.PrevHash != prev {
				return checked, fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, entry.Seq)
			}
			if entryHash(entry) != entry.Hash {
				return checked, fmt.Errorf("%w: seq %d content altered", ErrChainBroken, entry.Seq)
			}
			prev = entry.Hash
			after = entry.Seq
			checked++
		}
	}
}

func entryHash(e *Entry) string {
	var num [8]byte
	h := blake3.New(32, nil)
	h.Write([]byte(e.PrevHash))
	binary.BigEndian.PutUint64(num[:], e.Seq)
	h.Write(num[:])
	h.Write([]byte(e.EventID))
	h.Write([]byte{0})
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	binary.BigEndian.PutUint64(num[:], e.DealID)
	h.Write(num[:])
	h.Write([]byte(e.Attributes))
	binary.BigEndian.PutUint64(num[:], uint64(e.RecordedAt))
	h.Write(num[:])
	return hex.EncodeToString(h.Sum(nil))
}
