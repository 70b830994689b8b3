package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a store fault for retry and surfacing policy.
type Kind string

// Error kinds.
const (
	KindTransient    Kind = "transient"     // connection drop, pool timeout; retried by the gateway
	KindIntegrity    Kind = "integrity"     // duplicate key, FK violation
	KindNotFound     Kind = "notfound"      // missing row surfaced with its identifier
	KindInvalidState Kind = "invalid_state" // illegal lifecycle transition
	KindFatal        Kind = "fatal"         // misconfiguration, schema mismatch
)

// Error is the typed fault surfaced by store-touching operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an operation name and kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel errors for errors.Is checks at call sites.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state transition")
)

// KindOf reports the taxonomy kind of err, defaulting to fatal for
// unclassifiable faults.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return KindNotFound
	}
	if errors.Is(err, ErrInvalidState) {
		return KindInvalidState
	}
	if IsTransient(err) {
		return KindTransient
	}
	if isIntegrity(err) {
		return KindIntegrity
	}
	return KindFatal
}

// IsTransient reports whether err is a retryable fault: a dropped or busy
// connection, a pool/acquire timeout, or a serialization failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		case "53300", "53400": // too_many_connections, configuration_limit_exceeded
			return true
		}
		// Class 08: connection exceptions.
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			return true
		}
		// Class 57: operator intervention (admin shutdown, crash shutdown).
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "57" {
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}

func isIntegrity(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23: integrity constraint violations.
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "23"
	}
	return false
}

// classify wraps a raw driver error into a typed *Error for op.
// sql.ErrNoRows is mapped to notfound; callers that treat no-rows as a
// normal miss must check before classifying.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NewError(KindNotFound, op, ErrNotFound)
	}
	switch {
	case IsTransient(err):
		return NewError(KindTransient, op, err)
	case isIntegrity(err):
		return NewError(KindIntegrity, op, err)
	default:
		return NewError(KindFatal, op, err)
	}
}
