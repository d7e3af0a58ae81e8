package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
)

// ActionError is a classified chain-action failure. The executor copies
// Type onto the position so every failure path lands in the fixed taxonomy.
type ActionError struct {
	Type position.ErrorType
	Op   string
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// NewActionError wraps err with a classified type.
func NewActionError(errType position.ErrorType, op string, err error) *ActionError {
	return &ActionError{Type: errType, Op: op, Err: err}
}

// ErrIndeterminate marks a confirmation timeout: the transaction may or
// may not have landed. Never auto-resubmitted.
var ErrIndeterminate = errors.New("transaction outcome indeterminate")

// ClassifyError extracts the taxonomy type from an error. Unclassified
// errors map to unknown.
func ClassifyError(err error) position.ErrorType {
	if err == nil {
		return ""
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Type
	}
	return ClassifyRevert(err.Error())
}

// ClassifyRevert maps protocol revert reasons onto the taxonomy. Aave v3
// reverts with numeric error-code strings: 51 is supply-cap exceeded and
// 29 is reserve-paused.
func ClassifyRevert(reason string) position.ErrorType {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "supply cap"), containsCode(reason, "51"):
		return position.ErrSupplyCap
	case strings.Contains(lower, "paused"), containsCode(reason, "29"):
		return position.ErrReservePaused
	case strings.Contains(lower, "insufficient"):
		return position.ErrInsufficientBalance
	case strings.Contains(lower, "allowance"), strings.Contains(lower, "approve"):
		return position.ErrApprovalFailed
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "connection"),
		strings.Contains(lower, "eof"), strings.Contains(lower, "temporar"):
		return position.ErrNetwork
	case strings.Contains(lower, "revert"), strings.Contains(lower, "failed"):
		return position.ErrTransactionFailed
	default:
		return position.ErrUnknown
	}
}

// containsCode matches a bare numeric revert code token, avoiding
// substring hits inside larger numbers.
func containsCode(reason, code string) bool {
	for _, tok := range strings.FieldsFunc(reason, func(r rune) bool {
		return r == ' ' || r == ':' || r == '\'' || r == '"' || r == ','
	}) {
		if tok == code {
			return true
		}
	}
	return false
}
