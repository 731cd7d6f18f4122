// Package billing provides the event-sourced domain model for per-user
// billing accounts in a metered SaaS product.
//
// An account combines a monthly subscription credit allotment with a prepaid
// usage balance. Its state is never stored directly: the Account aggregate is
// rebuilt by replaying the account's ordered event stream through Apply.
//
// Key types:
//   - Event: sealed sum type of the nine billing event variants
//   - Account: aggregate and reducer (Apply, Replay)
//   - AccountState: lifecycle state machine
//
// Command methods on Account (SignupSubscription, RecordUsage, ...) are pure.
// They validate the operation against the current state and return the events
// it would produce without applying them. Callers persist the events through
// an EventStore with the aggregate's version as the expected version, and only
// then replay.
package billing
