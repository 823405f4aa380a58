// Package cis2 implements the binary parameter and return-value encodings of
// the CIS-2 token standard (and the CIS-0 supports query).
//
// All multi-byte integers are little-endian; token amounts are unsigned
// LEB128. The layouts here must match deployed contracts bit for bit.
package cis2

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"
)

var (
	ErrDecode = errors.New("cis2: decode error")
	ErrEncode = errors.New("cis2: encode error")
)

// StandardCIS2 is the identifier passed to the CIS-0 supports view.
const StandardCIS2 = "CIS-2"

// MaxTokenIDLen is the largest token id the u8 length prefix can describe.
const MaxTokenIDLen = math.MaxUint8

// EncodeIdentifierTag builds the parameter for a single-standard supports
// query: u16 count (1), u8 length, ASCII identifier.
func EncodeIdentifierTag(standardID string) ([]byte, error) {
	if len(standardID) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: standard identifier longer than %d bytes", ErrEncode, math.MaxUint8)
	}
	for i := 0; i < len(standardID); i++ {
		if standardID[i] > 0x7f {
			return nil, fmt.Errorf("%w: standard identifier %q is not ASCII", ErrEncode, standardID)
		}
	}
	buf := make([]byte, 0, 3+len(standardID))
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = append(buf, byte(len(standardID)))
	return append(buf, standardID...), nil
}

// EncodeTokenIDQuery builds the tokenMetadata parameter for one token id.
func EncodeTokenIDQuery(tokenIDHex string) ([]byte, error) {
	buf := binary.LittleEndian.AppendUint16(nil, 1)
	return appendTokenID(buf, tokenIDHex)
}

// EncodeBalanceQuery builds the balanceOf parameter. Queries are written in
// the order of tokenIDs because the response is positional.
func EncodeBalanceQuery(tokenIDs []string, account AccountAddress) ([]byte, error) {
	if len(tokenIDs) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d queries exceed u16 count", ErrEncode, len(tokenIDs))
	}
	buf := binary.LittleEndian.AppendUint16(nil, uint16(len(tokenIDs)))
	for _, id := range tokenIDs {
		var err error
		if buf, err = appendTokenID(buf, id); err != nil {
			return nil, err
		}
		buf = appendAddress(buf, AccountOf(account))
	}
	return buf, nil
}

// DecodeBalanceAmounts reads a u16 count followed by exactly that many
// LEB128 amounts.
func DecodeBalanceAmounts(b []byte) ([]*big.Int, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: balance response shorter than count header", ErrDecode)
	}
	n := int(binary.LittleEndian.Uint16(b))
	cursor := 2
	amounts := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		v, read, err := DecodeULEB128(b[cursor:])
		if err != nil {
			return nil, fmt.Errorf("amount %d of %d: %w", i+1, n, err)
		}
		amounts = append(amounts, v)
		cursor += read
	}
	if cursor != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes after %d amounts", ErrDecode, len(b)-cursor, n)
	}
	return amounts, nil
}

// DecodeMetadataURL reads the first metadata URL of a tokenMetadata
// response: a u16 tag, a u16 length at offset 2, and the UTF-8 url from
// offset 4. Bytes after the url (an optional checksum) are ignored.
func DecodeMetadataURL(b []byte) (string, error) {
	if len(b) < 4 {
		return "", fmt.Errorf("%w: metadata response shorter than header", ErrDecode)
	}
	l := int(binary.LittleEndian.Uint16(b[2:4]))
	if l > len(b)-4 {
		return "", fmt.Errorf("%w: metadata url length %d exceeds remaining %d bytes", ErrDecode, l, len(b)-4)
	}
	url := b[4 : 4+l]
	if !utf8.Valid(url) {
		return "", fmt.Errorf("%w: metadata url is not valid utf-8", ErrDecode)
	}
	return string(url), nil
}

// Transfer is one entry of a CIS-2 transfer call.
type Transfer struct {
	TokenID string
	Amount  *big.Int
	From    Address
	To      Receiver
	Data    []byte
}

// EncodeTransfer builds the parameter of the transfer entrypoint.
func EncodeTransfer(transfers []Transfer) ([]byte, error) {
	if len(transfers) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d transfers exceed u16 count", ErrEncode, len(transfers))
	}
	buf := binary.LittleEndian.AppendUint16(nil, uint16(len(transfers)))
	for _, t := range transfers {
		var err error
		if buf, err = appendTokenID(buf, t.TokenID); err != nil {
			return nil, err
		}
		if buf, err = AppendULEB128(buf, t.Amount); err != nil {
			return nil, err
		}
		buf = appendAddress(buf, t.From)
		buf = appendAddress(buf, t.To.Address)
		if t.To.Kind == AddressContract {
			if len(t.To.Entrypoint) > math.MaxUint16 {
				return nil, fmt.Errorf("%w: entrypoint name too long", ErrEncode)
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t.To.Entrypoint)))
			buf = append(buf, t.To.Entrypoint...)
		}
		if len(t.Data) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: transfer data longer than %d bytes", ErrEncode, math.MaxUint16)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t.Data)))
		buf = append(buf, t.Data...)
	}
	return buf, nil
}

func appendTokenID(buf []byte, tokenIDHex string) ([]byte, error) {
	id, err := hex.DecodeString(tokenIDHex)
	if err != nil {
		return nil, fmt.Errorf("%w: token id %q: %v", ErrEncode, tokenIDHex, err)
	}
	if len(id) > MaxTokenIDLen {
		return nil, fmt.Errorf("%w: token id %q longer than %d bytes", ErrEncode, tokenIDHex, MaxTokenIDLen)
	}
	buf = append(buf, byte(len(id)))
	return append(buf, id...), nil
}

func appendAddress(buf []byte, a Address) []byte {
	buf = append(buf, byte(a.Kind))
	if a.Kind == AddressContract {
		buf = binary.LittleEndian.AppendUint64(buf, a.Contract.Index)
		return binary.LittleEndian.AppendUint64(buf, a.Contract.Subindex)
	}
	return append(buf, a.Account[:]...)
}
