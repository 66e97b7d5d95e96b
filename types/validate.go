package types

import (
	"regexp"
	"strings"
)

const (
	minAccountIDLen = 2
	maxAccountIDLen = 64
	maxMemoLen      = 256
	maxFracDigits   = 24
	// maxAmountUnits is 10^12 base units, the largest transfer the gateway
	// accepts.
	maxAmountUnits = "1000000000000"
)

// accountIDRx is the chain's account-id grammar: dot-separated segments of
// lowercase alphanumerics where `-` and `_` join characters within a
// segment. Segments cannot be empty, so leading, trailing and consecutive
// dots never match.
var accountIDRx = regexp.MustCompile(`^(([a-z0-9]+[-_])*[a-z0-9]+\.)*([a-z0-9]+[-_])*[a-z0-9]+$`)

// ValidateAccountID checks receiver and signer account identifiers against
// the chain grammar.
func ValidateAccountID(id string) error {
	if len(id) < minAccountIDLen || len(id) > maxAccountIDLen {
		return Errorf(KindValidation, "account id must be %d-%d characters, got %d", minAccountIDLen, maxAccountIDLen, len(id))
	}
	if !accountIDRx.MatchString(id) {
		return Errorf(KindValidation, "account id %q does not match the account grammar", id)
	}
	return nil
}

// ValidateAmount checks a decimal base-unit amount string: positive, at most
// 10^12 units, at most 24 fractional digits. Scientific notation and signs
// are rejected.
func ValidateAmount(amount string) error {
	if amount == "" {
		return Errorf(KindValidation, "amount is required")
	}
	intPart, fracPart, hasFrac := strings.Cut(amount, ".")
	if !digitsOnly(intPart) || intPart == "" {
		return Errorf(KindValidation, "amount %q is not a plain decimal", amount)
	}
	if hasFrac {
		if !digitsOnly(fracPart) || fracPart == "" {
			return Errorf(KindValidation, "amount %q is not a plain decimal", amount)
		}
		if len(fracPart) > maxFracDigits {
			return Errorf(KindValidation, "amount has %d fractional digits, maximum is %d", len(fracPart), maxFracDigits)
		}
	}
	intTrim := strings.TrimLeft(intPart, "0")
	fracZero := strings.Trim(fracPart, "0") == ""
	if intTrim == "" && fracZero {
		return Errorf(KindValidation, "amount must be greater than zero")
	}
	if len(intTrim) > len(maxAmountUnits) {
		return Errorf(KindValidation, "amount exceeds the %s base-unit maximum", maxAmountUnits)
	}
	if len(intTrim) == len(maxAmountUnits) && (intTrim > maxAmountUnits || !fracZero) {
		return Errorf(KindValidation, "amount exceeds the %s base-unit maximum", maxAmountUnits)
	}
	return nil
}

// ValidateMemo checks the optional memo: printable ASCII (0x20-0x7E) plus
// tab, CR and LF, at most 256 bytes.
func ValidateMemo(memo string) error {
	if len(memo) > maxMemoLen {
		return Errorf(KindValidation, "memo is %d bytes, maximum is %d", len(memo), maxMemoLen)
	}
	for i := 0; i < len(memo); i++ {
		b := memo[i]
		if b >= 0x20 && b <= 0x7e {
			continue
		}
		if b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		return Errorf(KindValidation, "memo contains non-printable byte 0x%02x at position %d", b, i)
	}
	return nil
}

// ValidatePriority checks an explicit priority value.
func ValidatePriority(p float64) error {
	if p < MinPriority || p > MaxPriority {
		return Errorf(KindValidation, "priority %g is outside [%g, %g]", p, MinPriority, MaxPriority)
	}
	return nil
}

// Validate checks the whole request. It is the admission contract: nothing
// failing here is ever enqueued.
func (r TransferRequest) Validate() error {
	if err := ValidateAccountID(r.ReceiverID); err != nil {
		return err
	}
	if err := ValidateAmount(r.Amount); err != nil {
		return err
	}
	return ValidateMemo(r.Memo)
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
