package cis2

import (
	"fmt"
	"math/big"
)

// MaxAmountBits is the width of a CIS-2 token amount (u256 in the standard,
// but every deployed contract this wallet talks to uses u64/u128 amounts).
const MaxAmountBits = 128

// maxULEB128Len is the number of bytes needed to hold MaxAmountBits.
const maxULEB128Len = (MaxAmountBits + 6) / 7

var lowSeven = big.NewInt(0x7f)

// AppendULEB128 appends the unsigned LEB128 encoding of v to dst.
func AppendULEB128(dst []byte, v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 {
		return dst, fmt.Errorf("%w: leb128 value must be non-negative", ErrEncode)
	}
	if v.BitLen() > MaxAmountBits {
		return dst, fmt.Errorf("%w: leb128 value wider than %d bits", ErrEncode, MaxAmountBits)
	}
	x := new(big.Int).Set(v)
	chunk := new(big.Int)
	for {
		b := byte(chunk.And(x, lowSeven).Uint64())
		x.Rsh(x, 7)
		if x.Sign() == 0 {
			return append(dst, b), nil
		}
		dst = append(dst, b|0x80)
	}
}

// DecodeULEB128 reads one unsigned LEB128 value from the start of b and
// returns it together with the number of bytes consumed. The scan never
// reads past len(b) and rejects values wider than MaxAmountBits.
func DecodeULEB128(b []byte) (*big.Int, int, error) {
	v := new(big.Int)
	chunk := new(big.Int)
	for i, c := range b {
		if i >= maxULEB128Len {
			return nil, 0, fmt.Errorf("%w: leb128 value longer than %d bytes", ErrDecode, maxULEB128Len)
		}
		chunk.SetUint64(uint64(c & 0x7f))
		v.Or(v, chunk.Lsh(chunk, uint(7*i)))
		if c&0x80 == 0 {
			if v.BitLen() > MaxAmountBits {
				return nil, 0, fmt.Errorf("%w: leb128 value wider than %d bits", ErrDecode, MaxAmountBits)
			}
			return v, i + 1, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: unterminated leb128 value", ErrDecode)
}
