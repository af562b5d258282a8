package order

import "errors"

// Validation errors: the request never reaches the store.
var (
	ErrInvalidOrderFields   = errors.New("invalid order fields")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrUnsupportedOrderType = errors.New("unsupported order type")
	ErrExpired              = errors.New("order expiry is not in the future")
	ErrUnknownToken         = errors.New("property token not tradable")
)

// Conflict errors: the caller must change something and retry.
var (
	ErrDuplicateOrder = errors.New("order already exists")
	ErrNonceReused    = errors.New("nonce already used by maker")
	ErrNotFound       = errors.New("not found")
	ErrNotMaker       = errors.New("caller is not the order maker")
	ErrOrderClosed    = errors.New("order is not active")
	ErrOrderInFlight  = errors.New("order has a settlement in flight")
	ErrStaleOrder     = errors.New("order changed since snapshot")
)

// Settlement errors.
var (
	ErrTradeClosed   = errors.New("trade already settled")
	ErrIndeterminate = errors.New("settlement outcome indeterminate")
)

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidOrderFields) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrUnsupportedOrderType) ||
		errors.Is(err, ErrExpired)
}

// IsConflict reports whether err belongs to the conflict class.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateOrder) ||
		errors.Is(err, ErrNonceReused) ||
		errors.Is(err, ErrOrderClosed) ||
		errors.Is(err, ErrOrderInFlight) ||
		errors.Is(err, ErrStaleOrder) ||
		errors.Is(err, ErrTradeClosed)
}
