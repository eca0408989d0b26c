package domain

import "errors"

// Sentinel errors forming the engine's error taxonomy. Callers branch with
// errors.Is; the HTTP layer maps them to status codes and the CLI wrapper
// to exit codes.
var (
	// ErrInsufficientQuantity - a realize request exceeds the open lot quantity.
	ErrInsufficientQuantity = errors.New("insufficient open lot quantity")

	// ErrReconciliationMismatch - ledger quantity diverges from the broker's
	// beyond epsilon. Indicates missed trades; never auto-corrected.
	ErrReconciliationMismatch = errors.New("ledger quantity does not match broker quantity")

	// ErrNoEligibleSwap - every substitute in the swap group is restricted.
	ErrNoEligibleSwap = errors.New("no eligible swap substitute")

	// ErrScanInProgress - a scan was requested while another is in flight.
	ErrScanInProgress = errors.New("scan already in progress")

	// ErrStaleQuote - the price source returned a quote older than the
	// freshness bound.
	ErrStaleQuote = errors.New("stale quote")

	// ErrClosedYear - attempted mutation of an already-closed tax year.
	ErrClosedYear = errors.New("tax year is closed")

	// ErrConfigInvalid - configuration failed load-time validation.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrLotNotFound - a specific-id selector referenced an unknown lot.
	ErrLotNotFound = errors.New("lot not found")
)
