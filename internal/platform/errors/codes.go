// Package errors provides the ledger's error taxonomy: machine-readable codes
// with stable ABCI response codes and HTTP statuses.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	CodeOK Code = "OK"

	// Lifecycle errors
	CodeAlreadyInitialized Code = "ALREADY_INITIALIZED"
	CodeUninitialized      Code = "UNINITIALIZED"

	// Addressing errors
	CodeInvalidAddress         Code = "INVALID_ADDRESS"
	CodeAddressDerivationError Code = "ADDRESS_DERIVATION_ERROR"
	CodeInvalidSeeds           Code = "INVALID_SEEDS"

	// Amount and balance errors
	CodeZeroAmount               Code = "ZERO_AMOUNT"
	CodeArithmeticOverflow       Code = "ARITHMETIC_OVERFLOW"
	CodeArithmeticUnderflow      Code = "ARITHMETIC_UNDERFLOW"
	CodeInsufficientBalance      Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientFunds        Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientVaultBalance Code = "INSUFFICIENT_VAULT_BALANCE"

	// Host errors
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeInvalidTransaction   Code = "INVALID_TRANSACTION"
	CodeDuplicateTransaction Code = "DUPLICATE_TRANSACTION"
	CodeExpiredTransaction   Code = "EXPIRED_TRANSACTION"
	CodeAccountInUse         Code = "ACCOUNT_IN_USE"

	CodeInternal Code = "INTERNAL"
)

// abciCodes are part of the external protocol; never renumber.
var abciCodes = map[Code]uint32{
	CodeOK:                       0,
	CodeInvalidTransaction:       1,
	CodeInvalidSignature:         2,
	CodeAlreadyInitialized:       3,
	CodeUninitialized:            4,
	CodeInvalidAddress:           5,
	CodeZeroAmount:               6,
	CodeArithmeticOverflow:       7,
	CodeArithmeticUnderflow:      8,
	CodeInsufficientBalance:      9,
	CodeInsufficientFunds:        10,
	CodeAddressDerivationError:   11,
	CodeInvalidSeeds:             12,
	CodeInsufficientVaultBalance: 13,
	CodeDuplicateTransaction:     14,
	CodeExpiredTransaction:       15,
	CodeAccountInUse:             16,
	CodeInternal:                 100,
}

// ABCICode maps a code to the uint32 carried in ABCI responses.
func (c Code) ABCICode() uint32 {
	if n, ok := abciCodes[c]; ok {
		return n
	}
	return abciCodes[CodeInternal]
}

// CodeFromABCI is the inverse of ABCICode.
func CodeFromABCI(n uint32) Code {
	for code, v := range abciCodes {
		if v == n {
			return code
		}
	}
	return CodeInternal
}

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK

	// Bad input
	case CodeInvalidTransaction,
		CodeZeroAmount,
		CodeInvalidSeeds,
		CodeInvalidAddress:
		return http.StatusBadRequest

	case CodeInvalidSignature:
		return http.StatusUnauthorized

	case CodeUninitialized:
		return http.StatusNotFound

	case CodeAlreadyInitialized,
		CodeDuplicateTransaction,
		CodeAccountInUse:
		return http.StatusConflict

	// State doesn't allow the operation
	case CodeInsufficientBalance,
		CodeInsufficientFunds,
		CodeInsufficientVaultBalance,
		CodeArithmeticOverflow,
		CodeArithmeticUnderflow,
		CodeExpiredTransaction:
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}
