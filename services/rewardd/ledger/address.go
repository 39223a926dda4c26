package ledger

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress reports a wallet value that cannot be decoded into an address.
var ErrInvalidAddress = errors.New("ledger: invalid wallet address")

// addressEncoding records which legacy shape a stored wallet value arrived in.
type addressEncoding int

const (
	encodingNone addressEncoding = iota
	encodingString
	encodingObject
	encodingArray
)

// WalletAddress is the canonical representation of a user's bound wallet.
//
// Historic rows and clients submit the wallet as a bare hex string, as a JSON
// object ({"address": "0x.."} or {"wallet": ..}) or as a single element JSON
// array. All of them are decoded here once; downstream code only ever sees a
// checksummed common.Address.
type WalletAddress struct {
	addr     common.Address
	valid    bool
	encoding addressEncoding
}

// NewWalletAddress wraps an already-decoded address.
func NewWalletAddress(addr common.Address) WalletAddress {
	return WalletAddress{addr: addr, valid: addr != (common.Address{}), encoding: encodingString}
}

// ParseWalletAddress decodes any supported encoding of a wallet address.
func ParseWalletAddress(raw string) (WalletAddress, error) {
	var w WalletAddress
	if err := w.decode([]byte(strings.TrimSpace(raw))); err != nil {
		return WalletAddress{}, err
	}
	return w, nil
}

// MustWalletAddress panics when raw is not a valid wallet encoding. Intended for tests and constants.
func MustWalletAddress(raw string) WalletAddress {
	w, err := ParseWalletAddress(raw)
	if err != nil {
		panic(err)
	}
	return w
}

// IsZero reports whether no address is bound.
func (w WalletAddress) IsZero() bool { return !w.valid }

// Address returns the decoded address.
func (w WalletAddress) Address() common.Address { return w.addr }

// String returns the EIP-55 checksummed form, or an empty string when unbound.
func (w WalletAddress) String() string {
	if !w.valid {
		return ""
	}
	return w.addr.Hex()
}

// Legacy reports whether the value was decoded from an object or array encoding.
func (w WalletAddress) Legacy() bool {
	return w.encoding == encodingObject || w.encoding == encodingArray
}

// Equal compares two wallet addresses by value.
func (w WalletAddress) Equal(other WalletAddress) bool {
	return w.valid == other.valid && w.addr == other.addr
}

// MarshalJSON always emits the canonical string form.
func (w WalletAddress) MarshalJSON() ([]byte, error) {
	if !w.valid {
		return []byte("null"), nil
	}
	return json.Marshal(w.String())
}

// UnmarshalJSON accepts every supported wallet encoding.
func (w *WalletAddress) UnmarshalJSON(data []byte) error {
	return w.decode(bytes.TrimSpace(data))
}

// Value implements driver.Valuer; the canonical string is persisted.
func (w WalletAddress) Value() (driver.Value, error) {
	if !w.valid {
		return nil, nil
	}
	return w.String(), nil
}

// GormDataType stores the wallet as a plain string column.
func (WalletAddress) GormDataType() string { return "string" }

// Scan implements sql.Scanner and normalises legacy column contents.
func (w *WalletAddress) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*w = WalletAddress{}
		return nil
	case string:
		return w.decode([]byte(strings.TrimSpace(v)))
	case []byte:
		return w.decode(bytes.TrimSpace(v))
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrInvalidAddress, src)
	}
}

func (w *WalletAddress) decode(data []byte) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*w = WalletAddress{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return w.fromHex(s, encodingString)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		for _, key := range []string{"address", "wallet", "walletAddress", "wallet_address"} {
			inner, ok := obj[key]
			if !ok {
				continue
			}
			if err := w.decode(bytes.TrimSpace(inner)); err != nil {
				return err
			}
			if w.valid {
				w.encoding = encodingObject
			}
			return nil
		}
		return fmt.Errorf("%w: object without address field", ErrInvalidAddress)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if len(items) == 0 {
			*w = WalletAddress{}
			return nil
		}
		if len(items) > 1 {
			return fmt.Errorf("%w: %d addresses in array", ErrInvalidAddress, len(items))
		}
		if err := w.decode(bytes.TrimSpace(items[0])); err != nil {
			return err
		}
		if w.valid {
			w.encoding = encodingArray
		}
		return nil
	default:
		return w.fromHex(string(data), encodingString)
	}
}

func (w *WalletAddress) fromHex(raw string, enc addressEncoding) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		*w = WalletAddress{}
		return nil
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	if !common.IsHexAddress(trimmed) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	*w = WalletAddress{addr: addr, valid: true, encoding: enc}
	return nil
}
