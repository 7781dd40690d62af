package crypto

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable prefix carried by protocol
// addresses.
type AddressPrefix string

const (
	// RumiPrefix identifies principal (caller identity) addresses.
	RumiPrefix AddressPrefix = "rumi"
	// DepositPrefix identifies protocol-controlled deposit addresses derived
	// for push-based asset transfers.
	DepositPrefix AddressPrefix = "rumidep"
)

const addressLength = 20

// Address represents a 20-byte protocol address with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress wraps the provided 20-byte payload under the given prefix.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != addressLength {
		panic("address must be 20 bytes long")
	}
	cloned := append([]byte(nil), b...)
	return Address{prefix: prefix, bytes: cloned}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20-byte payload.
func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address carries no payload.
func (a Address) IsZero() bool {
	if len(a.bytes) == 0 {
		return true
	}
	for _, b := range a.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal compares payload bytes; the prefix is presentation only.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}

// DecodeAddress parses a bech32 encoded protocol address.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != addressLength {
		return Address{}, fmt.Errorf("address payload must be %d bytes, got %d", addressLength, len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// MustDecodeAddress is a DecodeAddress variant for static addresses wired at
// startup.
func MustDecodeAddress(addrStr string) Address {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		panic(err)
	}
	return addr
}

// DeriveDepositAddress computes the deterministic deposit address for an
// (asset, owner) pair. The derivation is a keccak256 over a fixed domain
// separator so two deployments sharing a backend never collide, and it is a
// pure function: re-deriving for the same inputs always yields the same
// address.
func DeriveDepositAddress(domain, asset string, owner Address) Address {
	h := ethcrypto.NewKeccakState()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write([]byte(asset))
	h.Write([]byte{0x00})
	h.Write(owner.Bytes())
	var digest [32]byte
	h.Read(digest[:])
	return NewAddress(DepositPrefix, digest[12:])
}
