// ABOUTME: Error taxonomy for stores and transactions
// ABOUTME: Synchronous misuse returns ValidationError; async failures are typed and unwrappable

package kv

import (
	"errors"
	"fmt"

	"github.com/2389/coven-kv/internal/engine"
)

var (
	// ErrClosed is returned synchronously by operations on a closed Store.
	ErrClosed = errors.New("store is closed")
	// ErrTransactionFinished is wrapped by the ValidationError returned when a
	// finished or aborted transaction is used.
	ErrTransactionFinished = errors.New("transaction is finished")
	// ErrAborted is wrapped by the TransactionError of an explicitly aborted transaction.
	ErrAborted = errors.New("transaction aborted")
	// ErrUnsupported is wrapped by UnsupportedFeatureError.
	ErrUnsupported = errors.New("unsupported")
	// ErrReadOnly is delivered for writes issued in a readonly transaction.
	ErrReadOnly = engine.ErrReadOnly
)

// ConstraintError reports an engine conflict such as adding an existing key.
type ConstraintError = engine.ConstraintError

// ConnectionError reports that the engine connection failed to open or was
// closed while work was pending.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TransactionError reports a transaction that failed to commit or was aborted.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction: %v", e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// ValidationError reports caller misuse. It is always returned synchronously.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(op, format string, args ...any) error {
	return &ValidationError{Op: op, Err: fmt.Errorf(format, args...)}
}

// UnsupportedFeatureError reports a feature the environment cannot provide.
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Feature, ErrUnsupported)
}

func (e *UnsupportedFeatureError) Unwrap() error {
	return ErrUnsupported
}

// requestError maps an engine request failure onto the store taxonomy.
func requestError(err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	var te *TransactionError
	switch {
	case errors.As(err, &ce), errors.As(err, &te):
		return err
	case errors.Is(err, engine.ErrDatabaseClosed):
		return &ConnectionError{Err: err}
	default:
		return err
	}
}

// outcomeError maps the error that ended an engine transaction.
func outcomeError(err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	var te *TransactionError
	switch {
	case errors.As(err, &ce), errors.As(err, &te):
		return err
	case errors.Is(err, engine.ErrDatabaseClosed):
		return &ConnectionError{Err: err}
	default:
		return &TransactionError{Err: err}
	}
}
