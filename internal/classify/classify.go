// Package classify maps errors from the store, the network and the spreadsheet
// API to an ErrorKind. Structured error codes are inspected first; matching on
// the error text is only a fallback for drivers that do not expose codes.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/api/googleapi"

	"github.com/cybertec-postgresql/sheetsync/internal/breaker"
	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

// ClassifiedError carries the kind decided for an error so callers do not
// have to inspect it again
type ClassifiedError struct {
	Kind model.ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Wrap classifies err once. It returns nil for a nil error.
func Wrap(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{Kind: Categorize(err), Err: err}
}

// Retryable reports whether err may be retried
func Retryable(err error) bool {
	return err != nil && Categorize(err).Retryable()
}

// Categorize returns the ErrorKind of err
func Categorize(err error) model.ErrorKind {
	if err == nil {
		return model.KindUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return model.KindValidation
	}
	if errors.Is(err, breaker.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return model.KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if kind, ok := byPgCode(pgErr.Code); ok {
			return kind
		}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if kind, ok := byHTTPStatus(apiErr.Code); ok {
			return kind
		}
	}
	if pgconn.Timeout(err) {
		return model.KindTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.KindTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return model.KindTransient
	}

	return byMessage(err.Error())
}

// SQLSTATE codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html
var pgCodes = map[string]model.ErrorKind{
	"21000": model.KindValidation, // cardinality_violation, same key twice in one upsert
	"23502": model.KindValidation, // not_null_violation
	"23503": model.KindValidation, // foreign_key_violation
	"23514": model.KindValidation, // check_violation
	"40001": model.KindTransient,  // serialization_failure
	"40P01": model.KindTransient,  // deadlock_detected
	"53300": model.KindTransient,  // too_many_connections
	"53400": model.KindTransient,  // configuration_limit_exceeded
	"55P03": model.KindTransient,  // lock_not_available
	"57014": model.KindTransient,  // query_canceled (statement_timeout)
	"57P01": model.KindTransient,  // admin_shutdown
	"57P02": model.KindTransient,  // crash_shutdown
	"57P03": model.KindTransient,  // cannot_connect_now
	"28000": model.KindPermanent,  // invalid_authorization_specification
	"28P01": model.KindPermanent,  // invalid_password
	"3D000": model.KindPermanent,  // invalid_catalog_name
	"42501": model.KindPermanent,  // insufficient_privilege
	"42P01": model.KindPermanent,  // undefined_table
	"42703": model.KindPermanent,  // undefined_column
}

func byPgCode(code string) (model.ErrorKind, bool) {
	if kind, ok := pgCodes[code]; ok {
		return kind, true
	}
	if len(code) < 2 {
		return "", false
	}
	switch code[:2] {
	case "08": // connection exception
		return model.KindTransient, true
	case "22": // data exception
		return model.KindValidation, true
	case "42": // syntax error or access rule violation
		return model.KindPermanent, true
	}
	return "", false
}

func byHTTPStatus(status int) (model.ErrorKind, bool) {
	switch {
	case status == 429, status == 408, status >= 500:
		return model.KindTransient, true
	case status == 401, status == 403, status == 404:
		return model.KindPermanent, true
	case status == 400:
		return model.KindValidation, true
	}
	return "", false
}

var (
	validationPatterns = []string{"validation", "invalid", "required", "violates not-null"}
	transientPatterns  = []string{
		"timeout", "timed out", "connection reset", "connection refused", "broken pipe",
		"no such host", "enotfound", "econnreset", "etimedout", "429", "rate limit",
		"too many requests", "temporarily unavailable",
	}
	permanentPatterns = []string{"permission denied", "unauthorized", "forbidden", "does not exist"}
)

// byMessage is the fragile fallback: substring matching on free text
func byMessage(msg string) model.ErrorKind {
	msg = strings.ToLower(msg)
	for _, p := range validationPatterns {
		if strings.Contains(msg, p) {
			return model.KindValidation
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return model.KindTransient
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return model.KindPermanent
		}
	}
	return model.KindUnknown
}
