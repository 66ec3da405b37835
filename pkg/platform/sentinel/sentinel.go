package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped);
// services translate them into domain errors before anything reaches a client.
//
//   - ErrNotFound: row does not exist
//   - ErrAlreadyUsed: a (field, value) is claimed, or a token is consumed
//   - ErrUnavailable: the backing service cannot be reached
var (
	ErrNotFound    = errors.New("not found")
	ErrAlreadyUsed = errors.New("already used")
	ErrUnavailable = errors.New("unavailable")
)
