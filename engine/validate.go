package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ValidationError rejects a malformed or mismatched submission without
// consuming a state transition. The text is shown to the user as-is.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a user-correctable rejection.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var txidPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// validTxid checks the shape of a transaction id: 64 hex characters.
func validTxid(txid string) bool {
	return txidPattern.MatchString(txid)
}

// validInvoiceFormat checks the BOLT11 prefix for the supported networks.
// Semantic validation (amount, payment hash) comes from the node decode.
func validInvoiceFormat(invoice string) bool {
	inv := strings.ToLower(invoice)
	return strings.HasPrefix(inv, "lnbc") ||
		strings.HasPrefix(inv, "lntb") ||
		strings.HasPrefix(inv, "lnbcrt")
}

// validAddress checks the shape of a Bitcoin address for the target
// network. Shape only; the payout wallet performs full checksum checks.
func validAddress(address, network string) bool {
	if len(address) < 26 || len(address) > 62 {
		return false
	}
	if network == "testnet" {
		for _, prefix := range []string{"tb1", "bcrt1", "2", "m", "n"} {
			if strings.HasPrefix(address, prefix) {
				return true
			}
		}
		return false
	}
	for _, prefix := range []string{"bc1", "1", "3"} {
		if strings.HasPrefix(address, prefix) {
			return true
		}
	}
	return false
}
