// Package wallet holds structural checks for ledger account addresses.
package wallet

import (
	"errors"
	"strings"
)

const (
	// AddressLength is the length of an encoded account address.
	AddressLength = 56
	// AddressPrefix is the version character of account public keys.
	AddressPrefix = 'G'
)

// ErrInvalidAddress is returned by Validate for malformed addresses.
var ErrInvalidAddress = errors.New("wallet: invalid address")

// Normalize trims surrounding whitespace.
func Normalize(addr string) string {
	return strings.TrimSpace(addr)
}

// ValidAddress reports whether addr has the shape of an account address:
// fixed length, fixed leading character and only base32 alphabet
// characters. It does not check that the account exists or is funded.
func ValidAddress(addr string) bool {
	if len(addr) != AddressLength || addr[0] != AddressPrefix {
		return false
	}
	for i := 1; i < len(addr); i++ {
		c := addr[i]
		if (c < 'A' || c > 'Z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}

// Validate is the error returning form of ValidAddress.
func Validate(addr string) error {
	if !ValidAddress(addr) {
		return ErrInvalidAddress
	}
	return nil
}
