package vault

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"rumiprotocol/crypto"
	"rumiprotocol/oracle"
	"rumiprotocol/storage"
)

var (
	vaultSeqKey        = []byte("vault/seq")
	vaultRecordPrefix  = []byte("vault/rec/")
	vaultOwnerPrefix   = []byte("vault/owner/")
	vaultCollPrefix    = []byte("vault/coll/")
	collConfigPrefix   = []byte("vault/config/")
	guardPrefix        = []byte("vault/guard/")
	watermarkPrefix    = []byte("vault/mark/")
	eventPrefix        = []byte("vault/events/")
	eventSeqPrefix     = []byte("vault/eventseq/")
	protocolStatusKey  = []byte("vault/status")
	reservePrefix      = []byte("vault/reserve/")
	errStoreNotReady   = errors.New("vault store: not initialised")
	errCorruptedRecord = errors.New("vault store: corrupted record")
)

// Store persists every table the vault core owns: vault records with owner
// and collateral indexes, collateral configs, guard entries, deposit
// watermarks, alternate-stable reserves, the protocol status snapshot and the
// append-only event log.
type Store struct {
	db storage.Database
}

// NewStore wraps the provided key-value database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedVault struct {
	ID               uint64
	Owner            []byte
	OwnerPrefix      string
	Collateral       string
	CollateralAmount string
	DebtAmount       string
	CreatedAt        uint64
	UpdatedAt        uint64
}

type storedCollateralConfig struct {
	Symbol                  string
	Decimals                uint8
	BorrowThresholdBps      uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	RecoveryTargetBps       uint64
	BorrowingFeeBps         uint64
	DebtCeiling             string
	MinVaultDebt            string
	MinDeposit              string
	DustCollateral          string
	PushDeposits            bool
	PriceFloor              string
	LastPrice               string
	LastPriceTime           uint64
	Status                  uint8
}

type storedGuardEntry struct {
	Owner       []byte
	OwnerPrefix string
	State       uint8
	StartedAt   uint64
}

type storedEvent struct {
	VaultID             uint64
	Sequence            uint64
	Kind                string
	CollateralMagnitude string
	CollateralNegative  bool
	DebtMagnitude       string
	DebtNegative        bool
	Timestamp           uint64
}

type storedProtocolStatus struct {
	Mode                 uint8
	TotalCollateralValue string
	TotalDebt            string
	RecoveryThresholdBps uint64
	UpdatedAt            uint64
}

// NextVaultID reserves and returns the next monotonically increasing vault
// id, starting at 1.
func (s *Store) NextVaultID() (uint64, error) {
	if s == nil || s.db == nil {
		return 0, errStoreNotReady
	}
	var next uint64 = 1
	raw, err := s.db.Get(vaultSeqKey)
	if err == nil && len(raw) == 8 {
		next = binary.BigEndian.Uint64(raw) + 1
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.db.Put(vaultSeqKey, buf); err != nil {
		return 0, err
	}
	return next, nil
}

// GetVault loads a vault record; nil is returned when it does not exist.
func (s *Store) GetVault(id uint64) (*Vault, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	raw, err := s.db.Get(vaultRecordKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVault(raw)
}

// PutVault persists a vault record and maintains the owner and collateral
// indexes.
func (s *Store) PutVault(v *Vault) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	if v == nil || v.ID == 0 {
		return fmt.Errorf("vault store: vault id required")
	}
	stored := storedVault{
		ID:               v.ID,
		Owner:            append([]byte(nil), v.Owner.Bytes()...),
		OwnerPrefix:      string(v.Owner.Prefix()),
		Collateral:       oracle.NormaliseSymbol(v.Collateral),
		CollateralAmount: amountString(v.CollateralAmount),
		DebtAmount:       amountString(v.DebtAmount),
		CreatedAt:        uint64(v.CreatedAt.Unix()),
		UpdatedAt:        uint64(v.UpdatedAt.Unix()),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	if err := s.db.Put(vaultRecordKey(v.ID), raw); err != nil {
		return err
	}
	if err := s.db.Put(ownerIndexKey(v.Owner, v.ID), nil); err != nil {
		return err
	}
	return s.db.Put(collateralIndexKey(stored.Collateral, v.ID), nil)
}

// DeleteVault removes the record and its indexes. The event log is kept so
// history remains reconstructable after close or liquidation.
func (s *Store) DeleteVault(id uint64) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	v, err := s.GetVault(id)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := s.db.Delete(ownerIndexKey(v.Owner, id)); err != nil {
		return err
	}
	if err := s.db.Delete(collateralIndexKey(oracle.NormaliseSymbol(v.Collateral), id)); err != nil {
		return err
	}
	return s.db.Delete(vaultRecordKey(id))
}

// VaultIDsByOwner lists open vault ids owned by the principal, ascending.
func (s *Store) VaultIDsByOwner(owner crypto.Address) ([]uint64, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	prefix := append(append([]byte(nil), vaultOwnerPrefix...), []byte(hex.EncodeToString(owner.Bytes())+"/")...)
	return collectIDs(s.db, prefix)
}

// VaultIDsByCollateral lists open vault ids of the collateral type, ascending.
func (s *Store) VaultIDsByCollateral(symbol string) ([]uint64, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	prefix := append(append([]byte(nil), vaultCollPrefix...), []byte(oracle.NormaliseSymbol(symbol)+"/")...)
	return collectIDs(s.db, prefix)
}

// ForEachVault visits every open vault. The callback returns false to stop.
func (s *Store) ForEachVault(fn func(*Vault) bool) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	var decodeErr error
	err := s.db.Iterate(vaultRecordPrefix, func(key, value []byte) bool {
		v, err := decodeVault(value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(v)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// GetCollateral loads a collateral config; nil when unknown.
func (s *Store) GetCollateral(symbol string) (*CollateralConfig, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	raw, err := s.db.Get(collConfigKey(symbol))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCollateralConfig(raw)
}

// PutCollateral persists a collateral config.
func (s *Store) PutCollateral(cfg *CollateralConfig) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	if cfg == nil || oracle.NormaliseSymbol(cfg.Symbol) == "" {
		return fmt.Errorf("vault store: collateral symbol required")
	}
	stored := storedCollateralConfig{
		Symbol:                  oracle.NormaliseSymbol(cfg.Symbol),
		Decimals:                cfg.Decimals,
		BorrowThresholdBps:      cfg.BorrowThresholdBps,
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
		LiquidationBonusBps:     cfg.LiquidationBonusBps,
		RecoveryTargetBps:       cfg.RecoveryTargetBps,
		BorrowingFeeBps:         cfg.BorrowingFeeBps,
		DebtCeiling:             amountString(cfg.DebtCeiling),
		MinVaultDebt:            amountString(cfg.MinVaultDebt),
		MinDeposit:              amountString(cfg.MinDeposit),
		DustCollateral:          amountString(cfg.DustCollateral),
		PushDeposits:            cfg.PushDeposits,
		PriceFloor:              ratString(cfg.PriceFloor),
		LastPrice:               ratString(cfg.LastPrice),
		LastPriceTime:           uint64(cfg.LastPriceTime.Unix()),
		Status:                  uint8(cfg.Status),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return s.db.Put(collConfigKey(stored.Symbol), raw)
}

// ListCollateral returns every configured collateral type ordered by symbol.
func (s *Store) ListCollateral() ([]*CollateralConfig, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	var configs []*CollateralConfig
	var decodeErr error
	err := s.db.Iterate(collConfigPrefix, func(key, value []byte) bool {
		cfg, err := decodeCollateralConfig(value)
		if err != nil {
			decodeErr = err
			return false
		}
		configs = append(configs, cfg)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return configs, nil
}

// GetGuard loads the guard entry for a principal; nil when idle.
func (s *Store) GetGuard(owner crypto.Address) (*GuardEntry, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	raw, err := s.db.Get(guardKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedGuardEntry
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	return &GuardEntry{
		Owner:     crypto.NewAddress(crypto.AddressPrefix(stored.OwnerPrefix), stored.Owner),
		State:     GuardState(stored.State),
		StartedAt: time.Unix(int64(stored.StartedAt), 0).UTC(),
	}, nil
}

// PutGuard persists a guard entry.
func (s *Store) PutGuard(entry *GuardEntry) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	if entry == nil {
		return fmt.Errorf("vault store: guard entry required")
	}
	stored := storedGuardEntry{
		Owner:       append([]byte(nil), entry.Owner.Bytes()...),
		OwnerPrefix: string(entry.Owner.Prefix()),
		State:       uint8(entry.State),
		StartedAt:   uint64(entry.StartedAt.Unix()),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return s.db.Put(guardKey(entry.Owner), raw)
}

// ClearGuard removes the guard entry, returning the principal to idle.
func (s *Store) ClearGuard(owner crypto.Address) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	return s.db.Delete(guardKey(owner))
}

// Watermark returns the last observed absolute balance for the (asset,
// owner) deposit address. Zero when never credited.
func (s *Store) Watermark(asset string, owner crypto.Address) (*big.Int, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	raw, err := s.db.Get(watermarkKey(asset, owner))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	mark, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, errCorruptedRecord
	}
	return mark, nil
}

// PutWatermark records the new observed balance for the deposit address.
func (s *Store) PutWatermark(asset string, owner crypto.Address, observed *big.Int) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	return s.db.Put(watermarkKey(asset, owner), []byte(amountString(observed)))
}

// AppendEvent assigns the next per-vault sequence number and persists the
// event. Entries are immutable once written.
func (s *Store) AppendEvent(evt *Event) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	if evt == nil || evt.VaultID == 0 {
		return fmt.Errorf("vault store: event vault id required")
	}
	if !evt.Kind.Valid() {
		return fmt.Errorf("vault store: unknown event kind %q", evt.Kind)
	}
	var next uint64 = 1
	raw, err := s.db.Get(eventSeqKey(evt.VaultID))
	if err == nil && len(raw) == 8 {
		next = binary.BigEndian.Uint64(raw) + 1
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	evt.Sequence = next

	collMag, collNeg := splitSigned(evt.CollateralDelta)
	debtMag, debtNeg := splitSigned(evt.DebtDelta)
	stored := storedEvent{
		VaultID:             evt.VaultID,
		Sequence:            evt.Sequence,
		Kind:                string(evt.Kind),
		CollateralMagnitude: collMag,
		CollateralNegative:  collNeg,
		DebtMagnitude:       debtMag,
		DebtNegative:        debtNeg,
		Timestamp:           uint64(evt.Timestamp.Unix()),
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	if err := s.db.Put(eventKey(evt.VaultID, evt.Sequence), encoded); err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	return s.db.Put(eventSeqKey(evt.VaultID), buf)
}

// VaultEvents returns the ordered history for a vault.
func (s *Store) VaultEvents(vaultID uint64) ([]*Event, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	prefix := append(append([]byte(nil), eventPrefix...), u64be(vaultID)...)
	prefix = append(prefix, '/')
	var events []*Event
	var decodeErr error
	err := s.db.Iterate(prefix, func(key, value []byte) bool {
		var stored storedEvent
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			decodeErr = err
			return false
		}
		events = append(events, &Event{
			VaultID:         stored.VaultID,
			Sequence:        stored.Sequence,
			Kind:            EventKind(stored.Kind),
			CollateralDelta: joinSigned(stored.CollateralMagnitude, stored.CollateralNegative),
			DebtDelta:       joinSigned(stored.DebtMagnitude, stored.DebtNegative),
			Timestamp:       time.Unix(int64(stored.Timestamp), 0).UTC(),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return events, nil
}

// ProtocolStatus loads the persisted mode snapshot; nil before first
// recompute.
func (s *Store) ProtocolStatus() (*ProtocolStatus, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	raw, err := s.db.Get(protocolStatusKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedProtocolStatus
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	total, ok := new(big.Int).SetString(stored.TotalCollateralValue, 10)
	if !ok {
		return nil, errCorruptedRecord
	}
	debt, ok := new(big.Int).SetString(stored.TotalDebt, 10)
	if !ok {
		return nil, errCorruptedRecord
	}
	return &ProtocolStatus{
		Mode:                 Mode(stored.Mode),
		TotalCollateralValue: total,
		TotalDebt:            debt,
		RecoveryThresholdBps: stored.RecoveryThresholdBps,
		UpdatedAt:            time.Unix(int64(stored.UpdatedAt), 0).UTC(),
	}, nil
}

// PutProtocolStatus persists the mode snapshot.
func (s *Store) PutProtocolStatus(status *ProtocolStatus) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	if status == nil {
		return fmt.Errorf("vault store: status required")
	}
	stored := storedProtocolStatus{
		Mode:                 uint8(status.Mode),
		TotalCollateralValue: amountString(status.TotalCollateralValue),
		TotalDebt:            amountString(status.TotalDebt),
		RecoveryThresholdBps: status.RecoveryThresholdBps,
		UpdatedAt:            uint64(status.UpdatedAt.Unix()),
	}
	raw, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return s.db.Put(protocolStatusKey, raw)
}

// ReserveBalance returns the protocol's holding of an alternate stable asset.
func (s *Store) ReserveBalance(asset string) (*big.Int, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	raw, err := s.db.Get(reserveKey(asset))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, errCorruptedRecord
	}
	return balance, nil
}

// AddReserve credits the reserve balance; negative deltas debit it. The
// balance never goes below zero.
func (s *Store) AddReserve(asset string, delta *big.Int) error {
	if s == nil || s.db == nil {
		return errStoreNotReady
	}
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	balance, err := s.ReserveBalance(asset)
	if err != nil {
		return err
	}
	balance.Add(balance, delta)
	if balance.Sign() < 0 {
		return fmt.Errorf("vault store: reserve %s would go negative", asset)
	}
	return s.db.Put(reserveKey(asset), []byte(balance.String()))
}

// ListReserves returns every reserve asset with a non-zero balance.
func (s *Store) ListReserves() (map[string]*big.Int, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotReady
	}
	out := make(map[string]*big.Int)
	var decodeErr error
	err := s.db.Iterate(reservePrefix, func(key, value []byte) bool {
		balance, ok := new(big.Int).SetString(string(value), 10)
		if !ok {
			decodeErr = errCorruptedRecord
			return false
		}
		if balance.Sign() > 0 {
			out[string(key[len(reservePrefix):])] = balance
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// --- codecs and keys ---

func decodeVault(raw []byte) (*Vault, error) {
	var stored storedVault
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	collateral, ok := new(big.Int).SetString(stored.CollateralAmount, 10)
	if !ok {
		return nil, errCorruptedRecord
	}
	debt, ok := new(big.Int).SetString(stored.DebtAmount, 10)
	if !ok {
		return nil, errCorruptedRecord
	}
	return &Vault{
		ID:               stored.ID,
		Owner:            crypto.NewAddress(crypto.AddressPrefix(stored.OwnerPrefix), stored.Owner),
		Collateral:       stored.Collateral,
		CollateralAmount: collateral,
		DebtAmount:       debt,
		CreatedAt:        time.Unix(int64(stored.CreatedAt), 0).UTC(),
		UpdatedAt:        time.Unix(int64(stored.UpdatedAt), 0).UTC(),
	}, nil
}

func decodeCollateralConfig(raw []byte) (*CollateralConfig, error) {
	var stored storedCollateralConfig
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, err
	}
	cfg := &CollateralConfig{
		Symbol:                  stored.Symbol,
		Decimals:                stored.Decimals,
		BorrowThresholdBps:      stored.BorrowThresholdBps,
		LiquidationThresholdBps: stored.LiquidationThresholdBps,
		LiquidationBonusBps:     stored.LiquidationBonusBps,
		RecoveryTargetBps:       stored.RecoveryTargetBps,
		BorrowingFeeBps:         stored.BorrowingFeeBps,
		PushDeposits:            stored.PushDeposits,
		LastPriceTime:           time.Unix(int64(stored.LastPriceTime), 0).UTC(),
		Status:                  CollateralStatus(stored.Status),
	}
	var ok bool
	if cfg.DebtCeiling, ok = new(big.Int).SetString(stored.DebtCeiling, 10); !ok {
		return nil, errCorruptedRecord
	}
	if cfg.MinVaultDebt, ok = new(big.Int).SetString(stored.MinVaultDebt, 10); !ok {
		return nil, errCorruptedRecord
	}
	if cfg.MinDeposit, ok = new(big.Int).SetString(stored.MinDeposit, 10); !ok {
		return nil, errCorruptedRecord
	}
	if cfg.DustCollateral, ok = new(big.Int).SetString(stored.DustCollateral, 10); !ok {
		return nil, errCorruptedRecord
	}
	if stored.PriceFloor != "" {
		if cfg.PriceFloor, ok = new(big.Rat).SetString(stored.PriceFloor); !ok {
			return nil, errCorruptedRecord
		}
	}
	if stored.LastPrice != "" {
		if cfg.LastPrice, ok = new(big.Rat).SetString(stored.LastPrice); !ok {
			return nil, errCorruptedRecord
		}
	}
	return cfg, nil
}

func collectIDs(db storage.Database, prefix []byte) ([]uint64, error) {
	var ids []uint64
	err := db.Iterate(prefix, func(key, value []byte) bool {
		tail := key[len(prefix):]
		if len(tail) == 8 {
			ids = append(ids, binary.BigEndian.Uint64(tail))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func ratString(r *big.Rat) string {
	if r == nil {
		return ""
	}
	return r.RatString()
}

func splitSigned(v *big.Int) (string, bool) {
	if v == nil {
		return "0", false
	}
	return new(big.Int).Abs(v).String(), v.Sign() < 0
}

func joinSigned(magnitude string, negative bool) *big.Int {
	v, ok := new(big.Int).SetString(magnitude, 10)
	if !ok {
		return big.NewInt(0)
	}
	if negative {
		v.Neg(v)
	}
	return v
}

func u64be(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func vaultRecordKey(id uint64) []byte {
	return append(append([]byte(nil), vaultRecordPrefix...), u64be(id)...)
}

func ownerIndexKey(owner crypto.Address, id uint64) []byte {
	key := append(append([]byte(nil), vaultOwnerPrefix...), []byte(hex.EncodeToString(owner.Bytes())+"/")...)
	return append(key, u64be(id)...)
}

func collateralIndexKey(symbol string, id uint64) []byte {
	key := append(append([]byte(nil), vaultCollPrefix...), []byte(symbol+"/")...)
	return append(key, u64be(id)...)
}

func collConfigKey(symbol string) []byte {
	return append(append([]byte(nil), collConfigPrefix...), []byte(oracle.NormaliseSymbol(symbol))...)
}

func guardKey(owner crypto.Address) []byte {
	return append(append([]byte(nil), guardPrefix...), []byte(hex.EncodeToString(owner.Bytes()))...)
}

func watermarkKey(asset string, owner crypto.Address) []byte {
	key := append(append([]byte(nil), watermarkPrefix...), []byte(oracle.NormaliseSymbol(asset)+"/")...)
	return append(key, []byte(hex.EncodeToString(owner.Bytes()))...)
}

func eventKey(vaultID, sequence uint64) []byte {
	key := append(append([]byte(nil), eventPrefix...), u64be(vaultID)...)
	key = append(key, '/')
	return append(key, u64be(sequence)...)
}

func eventSeqKey(vaultID uint64) []byte {
	return append(append([]byte(nil), eventSeqPrefix...), u64be(vaultID)...)
}

func reserveKey(asset string) []byte {
	return append(append([]byte(nil), reservePrefix...), []byte(oracle.NormaliseSymbol(asset))...)
}
