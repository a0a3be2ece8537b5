package lifecycle

import "errors"

var (
	ErrNotFound           = errors.New("secret not found")
	ErrAlreadyUsed        = errors.New("secret already viewed")
	ErrExpired            = errors.New("secret expired")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidTTL         = errors.New("unknown expiration")
	ErrStillActive        = errors.New("secret still available")
)
