package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrMissingFields    = "missing fields"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadBody          = "bad body"
	ErrInvalidSignature = "invalid signature"
	ErrUnknownProvider  = "unknown provider"
	ErrUnknownChannel   = "unknown channel"
	ErrChallenge        = "challenge rejected"
)
