package paychan

import "errors"

var ErrStaleBalance = errors.New("balance is higher than the stored one")
var ErrSigningRejected = errors.New("signing rejected")
var ErrLedgerRejected = errors.New("ledger rejected the transaction")
var ErrLedgerTimeout = errors.New("ledger confirmation timed out, state is unknown")
var ErrInsufficientBalance = errors.New("insufficient balance")
var ErrInvalidStage = errors.New("action is not possible at the current channel stage")
var ErrNoAttestation = errors.New("no signed balance for channel")
var ErrSignatureRequired = errors.New("balance update must be signed")
var ErrInvalidStatus = errors.New("invalid status update")
