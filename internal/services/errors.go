package services

import "errors"

// Expected, user-triggerable outcomes. All four abort their unit of work
// with zero side effects; the HTTP layer maps them to status codes with
// errors.Is. Anything else is a storage fault and surfaces opaquely.
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidTransfer   = errors.New("cannot transfer to the same account")
)
