package billing

import "fmt"

// AccountState is the lifecycle state of a billing account
type AccountState string

const (
	// StateNew is the state of an account with no events
	StateNew AccountState = "NEW"

	// StateActiveSubscription draws usage from monthly credits first
	StateActiveSubscription AccountState = "ACTIVE_SUBSCRIPTION"

	// StateNoSubscription is free-tier onboarding; usage is not accepted
	StateNoSubscription AccountState = "NO_SUBSCRIPTION"

	// StateMeteredBilling draws all usage from the prepaid balance
	StateMeteredBilling AccountState = "METERED_BILLING"

	// StateSuspended means the balance is exhausted or negative
	StateSuspended AccountState = "SUSPENDED"

	// StateClosed is terminal, reached after a chargeback
	StateClosed AccountState = "CLOSED"
)

// AllAccountStates lists every state in lifecycle order
func AllAccountStates() []AccountState {
	return []AccountState{
		StateNew,
		StateActiveSubscription,
		StateNoSubscription,
		StateMeteredBilling,
		StateSuspended,
		StateClosed,
	}
}

// String returns the string representation of AccountState
func (s AccountState) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the known states
func (s AccountState) IsValid() bool {
	switch s {
	case StateNew,
		StateActiveSubscription,
		StateNoSubscription,
		StateMeteredBilling,
		StateSuspended,
		StateClosed:
		return true
	}
	return false
}

// IsTerminal returns true if no further transitions are possible
func (s AccountState) IsTerminal() bool {
	return s == StateClosed
}

// AcceptsUsage returns true if usage may be recorded in this state
func (s AccountState) AcceptsUsage() bool {
	switch s {
	case StateActiveSubscription, StateMeteredBilling, StateSuspended:
		return true
	}
	return false
}

// in reports whether s is one of states
func (s AccountState) in(states ...AccountState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// ParseAccountState parses a state name
func ParseAccountState(s string) (AccountState, error) {
	state := AccountState(s)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid account state: %q", s)
	}
	return state, nil
}

// MarshalText implements encoding.TextMarshaler
func (s AccountState) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown names
func (s *AccountState) UnmarshalText(text []byte) error {
	state, err := ParseAccountState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}
