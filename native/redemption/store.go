package redemption

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"rumiprotocol/storage"
)

var (
	volumePrefix     = []byte("redemption/vol/")
	errStoreNotReady = errors.New("redemption store: not initialised")
)

// Store keeps the rolling redemption volume entries that feed the dynamic
// fee. Each completed redemption writes one timestamped entry; reads prune
// entries older than the window so the table stays small.
type Store struct {
	db storage.Database
}

// NewStore wraps the provided key-value database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// RecordVolume appends a redemption volume entry at the given time.
func (s *Store) RecordVolume(amount *big.Int, at time.Time) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	key := make([]byte, 0, len(volumePrefix)+8+1+36)
	key = append(key, volumePrefix...)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(at.Unix()))
	key = append(key, buf...)
	key = append(key, '/')
	key = append(key, []byte(uuid.NewString())...)
	return s.db.Put(key, []byte(amount.String()))
}

// RecentVolume sums entries at or after the cutoff and prunes older ones.
func (s *Store) RecentVolume(cutoff time.Time) (*big.Int, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	total := big.NewInt(0)
	var stale [][]byte
	err := s.db.Iterate(volumePrefix, func(key, value []byte) bool {
		if len(key) < len(volumePrefix)+8 {
			return true
		}
		ts := int64(binary.BigEndian.Uint64(key[len(volumePrefix) : len(volumePrefix)+8]))
		if ts < cutoff.Unix() {
			stale = append(stale, append([]byte(nil), key...))
			return true
		}
		if amount, ok := new(big.Int).SetString(string(value), 10); ok {
			total.Add(total, amount)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for _, key := range stale {
		if err := s.db.Delete(key); err != nil {
			return nil, err
		}
	}
	return total, nil
}
