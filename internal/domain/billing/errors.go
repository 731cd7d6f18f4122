package billing

import (
	"fmt"

	"github.com/meterline/backend/internal/domain/shared"
)

// Sentinel errors, matched with errors.Is
var (
	ErrInvalidTransition   = shared.ErrInvalidTransition
	ErrInvalidAmount       = shared.ErrInvalidAmount
	ErrInsufficientBalance = shared.ErrInsufficientBalance
	ErrConcurrencyConflict = shared.ErrConcurrencyConflict
	ErrOwnershipMismatch   = shared.ErrOwnershipMismatch
	ErrUnknownEventType    = shared.ErrUnknownEventType
)

func invalidTransition(command string, from AccountState) error {
	return shared.NewDomainError(ErrInvalidTransition.Code,
		fmt.Sprintf("%s is not allowed from state %s", command, from))
}

func invalidAmount(field string, amount int64) error {
	return shared.NewDomainError(ErrInvalidAmount.Code,
		fmt.Sprintf("%s must be positive, got %d", field, amount))
}

func insufficientBalance(amount, balance int64) error {
	return shared.NewDomainError(ErrInsufficientBalance.Code,
		fmt.Sprintf("refund of %d exceeds usage balance %d", amount, balance))
}

// NewConcurrencyConflict describes a version mismatch on append
func NewConcurrencyConflict(accountID string, expected, actual int64) error {
	return shared.NewDomainError(ErrConcurrencyConflict.Code,
		fmt.Sprintf("account %s: expected version %d, found %d", accountID, expected, actual))
}

// NewOwnershipMismatch describes an event submitted to the wrong stream
func NewOwnershipMismatch(accountID, eventAccountID string) error {
	return shared.NewDomainError(ErrOwnershipMismatch.Code,
		fmt.Sprintf("event for account %s cannot be saved to account %s", eventAccountID, accountID))
}

// NewUnknownEventType describes an unregistered type tag
func NewUnknownEventType(typeTag string) error {
	return shared.NewDomainError(ErrUnknownEventType.Code,
		fmt.Sprintf("unknown event type: %s", typeTag))
}
