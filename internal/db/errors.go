package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind classifies apply-step failures so callers can dispatch on them
// instead of branching on vendor error codes at every call site.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindTransient covers deadlocks, lock-wait timeouts and serialization
	// failures. Safe to retry with a fresh transaction.
	KindTransient
	// KindForeignKeyMissing means a referenced parent row does not exist at
	// the target. Repairable via backfill.
	KindForeignKeyMissing
	// KindUniqueViolation means a natural-key collision: the same logical row
	// already exists under a different primary id. Repairable via remap.
	KindUniqueViolation
	// KindFatal is everything else; processing must halt.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindForeignKeyMissing:
		return "fk_missing"
	case KindUniqueViolation:
		return "unique_violation"
	default:
		return "fatal"
	}
}

// SQLSTATE codes of interest.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
	sqlstateQueryCanceled        = "57014" // statement_timeout
	sqlstateForeignKeyViolation  = "23503"
	sqlstateUniqueViolation      = "23505"
)

var transientPatterns = []string{
	"deadlock",
	"lock wait timeout",
	"lock timeout",
	"could not serialize",
	"serialization failure",
}

// Classify maps an error to its ErrorKind. SQLSTATE is authoritative when
// present; the message-pattern fallback catches driver-wrapped errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateSerializationFailure, sqlstateDeadlockDetected,
			sqlstateLockNotAvailable, sqlstateQueryCanceled:
			return KindTransient
		case sqlstateForeignKeyViolation:
			return KindForeignKeyMissing
		case sqlstateUniqueViolation:
			return KindUniqueViolation
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return KindTransient
		}
	}
	return KindFatal
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// ApplyResult is the typed outcome of one write step against a target.
type ApplyResult struct {
	Rows int64
	Kind ErrorKind
	Err  error
}

// Applied returns a successful result.
func Applied(rows int64) ApplyResult { return ApplyResult{Rows: rows} }

// Failed classifies err into a result.
func Failed(err error) ApplyResult { return ApplyResult{Kind: Classify(err), Err: err} }

// OK reports whether the step succeeded.
func (r ApplyResult) OK() bool { return r.Err == nil }
