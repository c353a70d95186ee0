package vault

import (
	"errors"
	"fmt"
)

// Code is the stable numeric value reported for a vault failure.
type Code uint32

const (
	CodeInvalidInstruction Code = iota
	CodeNotRentExempt
	CodeInsufficientCollateral
	CodeVaultNotFound
	CodeMathOverflow
	CodeMissingSignature
	CodeAlreadyInitialized
	CodeAccountMismatch
	CodeInvalidVaultData
)

var codeNames = map[Code]string{
	CodeInvalidInstruction:     "InvalidInstruction",
	CodeNotRentExempt:          "NotRentExempt",
	CodeInsufficientCollateral: "InsufficientCollateral",
	CodeVaultNotFound:          "VaultNotFound",
	CodeMathOverflow:           "MathOverflow",
	CodeMissingSignature:       "MissingSignature",
	CodeAlreadyInitialized:     "AlreadyInitialized",
	CodeAccountMismatch:        "AccountMismatch",
	CodeInvalidVaultData:       "InvalidVaultData",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidInstruction     = &Error{Code: CodeInvalidInstruction, Message: "invalid instruction"}
	ErrNotRentExempt          = &Error{Code: CodeNotRentExempt, Message: "not rent exempt"}
	ErrInsufficientCollateral = &Error{Code: CodeInsufficientCollateral, Message: "insufficient collateral"}
	ErrVaultNotFound          = &Error{Code: CodeVaultNotFound, Message: "vault not found"}
	ErrMathOverflow           = &Error{Code: CodeMathOverflow, Message: "math overflow"}
	ErrMissingSignature       = &Error{Code: CodeMissingSignature, Message: "missing required signature"}
	ErrAlreadyInitialized     = &Error{Code: CodeAlreadyInitialized, Message: "vault already initialized"}
	ErrAccountMismatch        = &Error{Code: CodeAccountMismatch, Message: "account does not match vault"}
	ErrInvalidVaultData       = &Error{Code: CodeInvalidVaultData, Message: "invalid vault data"}
)

// CodeOf extracts the vault error code from err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var vaultErr *Error
	if errors.As(err, &vaultErr) {
		return vaultErr.Code, true
	}
	return 0, false
}
