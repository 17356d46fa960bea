package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStaleVersion           = errors.New("stale base version")
	ErrAlreadyLocked          = errors.New("activity locked by another connection")
	ErrPrerequisitesNotMet    = errors.New("prerequisites not met")
	ErrNotFound               = errors.New("not found")
	ErrLeaseNotHeld           = errors.New("lease not held")
	ErrInvalidCommand         = errors.New("invalid command")
	ErrUnsupportedCommand     = errors.New("unsupported command")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrRateLimited            = errors.New("rate limited")
)

// ErrorKind is the wire name of a rejection.
type ErrorKind string

const (
	KindStaleVersion           ErrorKind = "StaleVersion"
	KindAlreadyLocked          ErrorKind = "AlreadyLocked"
	KindPrerequisitesNotMet    ErrorKind = "PrerequisitesNotMet"
	KindNotFound               ErrorKind = "NotFound"
	KindPersistenceUnavailable ErrorKind = "PersistenceUnavailable"
	KindLeaseNotHeld           ErrorKind = "LeaseNotHeld"
	KindInvalidCommand         ErrorKind = "InvalidCommand"
	KindRateLimited            ErrorKind = "RateLimited"
	KindInternal               ErrorKind = "Internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrStaleVersion, KindStaleVersion},
	{ErrAlreadyLocked, KindAlreadyLocked},
	{ErrPrerequisitesNotMet, KindPrerequisitesNotMet},
	{ErrNotFound, KindNotFound},
	{ErrPersistenceUnavailable, KindPersistenceUnavailable},
	{ErrLeaseNotHeld, KindLeaseNotHeld},
	{ErrInvalidCommand, KindInvalidCommand},
	{ErrUnsupportedCommand, KindInvalidCommand},
	{ErrRateLimited, KindRateLimited},
}

// KindOf maps err to the kind reported to clients.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

func notFound(what string, id any) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, what, id)
}
