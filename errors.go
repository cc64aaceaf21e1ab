package modelkit

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun/driver/pgdriver"
)

// ErrorCode represents an error classification
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeForeignKey       ErrorCode = "FOREIGN_KEY"
	CodeCheckViolation   ErrorCode = "CHECK_VIOLATION"
	CodeNotNullViolation ErrorCode = "NOT_NULL"
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeSerialization    ErrorCode = "SERIALIZATION"
	CodeDeadlock         ErrorCode = "DEADLOCK"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeConfiguration    ErrorCode = "CONFIGURATION"
	CodeValidation       ErrorCode = "VALIDATION"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// Sentinel errors for quick checks
var (
	ErrNotFound         = errors.New("modelkit: record not found")
	ErrDuplicate        = errors.New("modelkit: duplicate key violation")
	ErrForeignKey       = errors.New("modelkit: foreign key violation")
	ErrCheckViolation   = errors.New("modelkit: check constraint violation")
	ErrNotNullViolation = errors.New("modelkit: not null violation")
	ErrConnection       = errors.New("modelkit: connection failed")
	ErrTimeout          = errors.New("modelkit: operation timeout")
	ErrSerialization    = errors.New("modelkit: serialization failure")
	ErrDeadlock         = errors.New("modelkit: deadlock detected")
	ErrConflict         = errors.New("modelkit: optimistic locking conflict - record was modified")
	ErrInvalidConfig    = errors.New("modelkit: invalid model configuration")
	ErrValidation       = errors.New("modelkit: validation failed")
)

// Error is a rich database error with context
type Error struct {
	Code       ErrorCode // Error classification
	Message    string    // Human-readable message
	Op         string    // Operation that failed (e.g., "Get", "Save")
	Model      string    // Model name if known
	Table      string    // Table name if known
	Column     string    // Column name if known
	Constraint string    // Constraint name if applicable
	Detail     string    // Additional detail from PostgreSQL
	Hint       string    // Hint from PostgreSQL
	Query      string    // Query that failed (may be empty for security)
	Cause      error     // Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("modelkit: %s", e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("modelkit.%s: %s", e.Op, e.Message)
	}
	if e.Model != "" {
		msg += fmt.Sprintf(" (model: %s)", e.Model)
	}
	if e.Table != "" {
		msg += fmt.Sprintf(" (table: %s)", e.Table)
	}
	if e.Constraint != "" {
		msg += fmt.Sprintf(" (constraint: %s)", e.Constraint)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

var sentinels = map[ErrorCode]error{
	CodeNotFound:         ErrNotFound,
	CodeDuplicate:        ErrDuplicate,
	CodeForeignKey:       ErrForeignKey,
	CodeCheckViolation:   ErrCheckViolation,
	CodeNotNullViolation: ErrNotNullViolation,
	CodeConnectionFailed: ErrConnection,
	CodeTimeout:          ErrTimeout,
	CodeSerialization:    ErrSerialization,
	CodeDeadlock:         ErrDeadlock,
	CodeConflict:         ErrConflict,
	CodeConfiguration:    ErrInvalidConfig,
	CodeValidation:       ErrValidation,
}

// Is matches the sentinel of e's code
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Code]
	return ok && target == sentinel
}

// ConfigError reports an invalid model definition or Meta option. It is
// returned from Registry.Build and Registry.FinalizeMappings.
type ConfigError struct {
	Model   string // Model being built
	Option  string // Meta option or column at fault, if any
	Message string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Model != "" && e.Option != "":
		return fmt.Sprintf("modelkit: %s Meta option on %s: %s", e.Option, e.Model, e.Message)
	case e.Model != "":
		return fmt.Sprintf("modelkit: %s: %s", e.Model, e.Message)
	}
	return "modelkit: " + e.Message
}

// Is matches ErrInvalidConfig
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func configErrorf(model, option, format string, args ...any) *ConfigError {
	return &ConfigError{Model: model, Option: option, Message: fmt.Sprintf(format, args...)}
}

// wrapError converts a raw error to a rich Error
func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}

	// Already classified
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return err
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	var valErr *ValidationErrors
	if errors.As(err, &valErr) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return &Error{
			Code:    CodeNotFound,
			Message: "record not found",
			Op:      op,
			Cause:   err,
		}
	}

	// PostgreSQL specific errors
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return wrapPgError(pgErr, op)
	}
	var drvErr pgdriver.Error
	if errors.As(err, &drvErr) {
		return pgFieldError(op, drvErr.Field, drvErr)
	}

	return &Error{
		Code:    CodeUnknown,
		Message: err.Error(),
		Op:      op,
		Cause:   err,
	}
}

type pgClass struct {
	code    ErrorCode
	message string
}

// pgClasses maps SQLSTATE codes to error codes, see
// https://www.postgresql.org/docs/current/errcodes-appendix.html
var pgClasses = map[string]pgClass{
	"23505": {CodeDuplicate, "duplicate key value violates unique constraint"},
	"23503": {CodeForeignKey, "foreign key constraint violation"},
	"23502": {CodeNotNullViolation, "null value in column violates not-null constraint"},
	"23514": {CodeCheckViolation, "check constraint violation"},
	"40001": {CodeSerialization, "serialization failure, retry transaction"},
	"40P01": {CodeDeadlock, "deadlock detected"},
	"57014": {CodeTimeout, "query was cancelled due to timeout"},
	"08000": {CodeConnectionFailed, "database connection failed"},
	"08003": {CodeConnectionFailed, "database connection failed"},
	"08006": {CodeConnectionFailed, "database connection failed"},
}

func wrapPgError(pgErr *pgconn.PgError, op string) *Error {
	fields := map[byte]string{
		'C': pgErr.Code,
		'M': pgErr.Message,
		't': pgErr.TableName,
		'c': pgErr.ColumnName,
		'n': pgErr.ConstraintName,
		'D': pgErr.Detail,
		'H': pgErr.Hint,
	}
	return pgFieldError(op, func(k byte) string { return fields[k] }, pgErr)
}

// pgFieldError classifies a server error by its protocol fields, see
// https://www.postgresql.org/docs/current/protocol-error-fields.html
func pgFieldError(op string, field func(byte) string, cause error) *Error {
	class, ok := pgClasses[field('C')]
	if !ok {
		class = pgClass{CodeUnknown, field('M')}
	}
	return &Error{
		Code:       class.code,
		Message:    class.message,
		Op:         op,
		Table:      field('t'),
		Column:     field('c'),
		Constraint: field('n'),
		Detail:     field('D'),
		Hint:       field('H'),
		Cause:      cause,
	}
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// IsConflict checks if the error is an optimistic locking conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsConfigError checks if the error comes from an invalid model definition
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsValidation checks if the error is a validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRetryable checks if the error is retryable (serialization, deadlock)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrDeadlock)
}

// GetErrorCode extracts the error code if it's a modelkit error
func GetErrorCode(err error) (ErrorCode, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Code, true
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return CodeConfiguration, true
	}
	var valErr *ValidationErrors
	if errors.As(err, &valErr) {
		return CodeValidation, true
	}
	return "", false
}

// GetConstraint extracts the constraint name if available
func GetConstraint(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Constraint != "" {
		return dbErr.Constraint, true
	}
	return "", false
}
