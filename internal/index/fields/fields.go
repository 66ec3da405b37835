// Package fields defines the closed set of contact attribute kinds an entry
// may carry and how raw values of each kind are canonicalized.
package fields

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/nyaruka/phonenumbers"

	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
)

// Kind is an attribute kind. The zero value is not a valid kind.
type Kind string

const (
	Email Kind = "email"
	Phone Kind = "phone"
)

// kinds is ordered; search results list matches in this order.
var kinds = []Kind{Email, Phone}

// Kinds returns every supported kind in canonical order.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// Parse resolves a wire name to a Kind. Unknown names yield a validation_error.
func Parse(name string) (Kind, error) {
	for _, k := range kinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown field %q", name))
}

// Order is the position of k in the canonical ordering, or len(Kinds()) for unknown kinds.
func (k Kind) Order() int {
	for i, candidate := range kinds {
		if candidate == k {
			return i
		}
	}
	return len(kinds)
}

func (k Kind) String() string { return string(k) }

// Normalize canonicalizes raw for this kind. region is an ISO 3166 alpha-2
// code used to interpret national phone numbers; other kinds ignore it.
// Failures are format_error.
func (k Kind) Normalize(raw, region string) (string, error) {
	switch k {
	case Email:
		return normalizeEmail(raw)
	case Phone:
		return normalizePhone(raw, region)
	default:
		return "", dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown field %q", string(k)))
	}
}

// Emails keep the local part as submitted and lowercase the domain, which is
// case-insensitive. Surrounding whitespace is dropped.
func normalizeEmail(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", dErrors.New(dErrors.CodeFormat, "email must not be empty")
	}
	if !govalidator.IsEmail(value) {
		return "", dErrors.New(dErrors.CodeFormat, "invalid email address")
	}
	at := strings.LastIndex(value, "@")
	return value[:at+1] + strings.ToLower(value[at+1:]), nil
}

// Phone numbers are stored in E.164. Numbers without a leading + are read as
// national numbers of region. Plausibility is not checked, only parseability.
func normalizePhone(raw, region string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", dErrors.New(dErrors.CodeFormat, "phone number must not be empty")
	}
	num, err := phonenumbers.Parse(value, strings.ToUpper(region))
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeFormat, "invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
