package cis2

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// accountAddressVersion is the base58check version byte of account addresses.
const accountAddressVersion byte = 1

// AccountAddressLen is the length of a decoded account address.
const AccountAddressLen = 32

// AccountAddress is the raw 32-byte form of an account address.
type AccountAddress [AccountAddressLen]byte

// ParseAccountAddress decodes a base58check account address.
func ParseAccountAddress(s string) (AccountAddress, error) {
	var addr AccountAddress
	raw, version, err := base58.CheckDecode(s)
	if err != nil {
		return addr, fmt.Errorf("%w: account address %q: %v", ErrEncode, s, err)
	}
	if version != accountAddressVersion {
		return addr, fmt.Errorf("%w: account address %q: unexpected version %d", ErrEncode, s, version)
	}
	if len(raw) != AccountAddressLen {
		return addr, fmt.Errorf("%w: account address %q: decoded to %d bytes", ErrEncode, s, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// String returns the base58check form.
func (a AccountAddress) String() string {
	return base58.CheckEncode(a[:], accountAddressVersion)
}

// ContractAddress identifies a smart contract instance.
type ContractAddress struct {
	Index    uint64
	Subindex uint64
}

// AddressKind is the tag byte of a CIS-2 Address.
type AddressKind byte

const (
	AddressAccount  AddressKind = 0
	AddressContract AddressKind = 1
)

// Address is either an account or a contract.
type Address struct {
	Kind     AddressKind
	Account  AccountAddress
	Contract ContractAddress
}

// AccountOf wraps an account address.
func AccountOf(a AccountAddress) Address {
	return Address{Kind: AddressAccount, Account: a}
}

// ContractOf wraps a contract address.
func ContractOf(c ContractAddress) Address {
	return Address{Kind: AddressContract, Contract: c}
}

// Receiver is the destination of a transfer. Contract receivers name the
// entrypoint to call on receipt.
type Receiver struct {
	Address
	Entrypoint string
}
