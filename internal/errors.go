package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway domain.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrRouteInactive     = errors.New("route is not active")
	ErrRouteService      = errors.New("route service error")
	ErrRouteValidation   = errors.New("route validation error")
	ErrNoActiveProvider  = errors.New("no active provider")
	ErrNoModelsAvailable = errors.New("no models available")
	ErrModelNotFound     = errors.New("model not found")
	ErrDecryption        = errors.New("decryption failed")
	ErrBackupMissing     = errors.New("backup file missing")
	ErrUpstream          = errors.New("upstream request failed")
)

func badRequest(detail string) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, detail)
}
