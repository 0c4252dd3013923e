package ports

import "errors"

// Standard application-level errors.
// Adapters and engines wrap underlying failures with these sentinels so
// callers can branch with errors.Is without knowing storage or provider
// details.
var (
	// General errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Trading errors
	ErrInsufficientFunds      = errors.New("insufficient funds for operation")
	ErrInvalidOrderParameters = errors.New("invalid order parameters")
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidOrderState      = errors.New("order state forbids the operation")
	ErrUserNotFound           = errors.New("user not found")
	ErrUserInactive           = errors.New("user account is inactive or blocked")
	ErrAssetNotFound          = errors.New("asset symbol is not known")

	// Price source errors
	ErrPriceUnavailable = errors.New("all price providers failed")
	ErrProviderEmpty    = errors.New("price provider returned no data")

	// Storage errors
	ErrPersistence    = errors.New("store transaction failed")
	ErrDuplicateEntry = errors.New("record already exists")
	ErrDBConnection   = errors.New("database connection error")
)
