package ledger

import "errors"

var (
	// ErrInsufficientEligibleShares means a sell asks for more shares than
	// are past the hold window. Callers may retry with a smaller quantity.
	ErrInsufficientEligibleShares = errors.New("insufficient eligible shares")

	// ErrInvalidQuantity rejects non-positive share counts.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrAlreadyRecorded means a live submission already exists for the key.
	ErrAlreadyRecorded = errors.New("submission already recorded")

	// ErrUnknownSubmission means no record exists for the key.
	ErrUnknownSubmission = errors.New("unknown submission")

	// ErrTradeCountRegression refuses a trade count below the trade log.
	ErrTradeCountRegression = errors.New("trade count below trade log")
)
