// Package validate checks untrusted request input and strips markup from
// free text before it is stored or logged.
package validate

import (
	"fmt"
	netmail "net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxEmailLength = 254

var domainRx = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)+$`)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every problem found in one request. It is returned whole so a
// client can show all of them at once.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type PasswordPolicy struct {
	MinLength int
	MaxLength int
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8, MaxLength: 128}
}

// Validator accumulates field errors. The zero value is ready to use.
type Validator struct {
	errs Errors
}

func (v *Validator) Add(field, msg string) {
	v.errs = append(v.errs, FieldError{Field: field, Message: msg})
}

func (v *Validator) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

// Email returns the normalized address, or "" after recording an error.
func (v *Validator) Email(field, raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		v.Add(field, "is required")
		return ""
	}
	if len(email) > maxEmailLength {
		v.Add(field, fmt.Sprintf("must be at most %d characters", maxEmailLength))
		return ""
	}
	parsed, err := netmail.ParseAddress(email)
	if err != nil || parsed.Address != email || parsed.Name != "" {
		v.Add(field, "must be a valid email address")
		return ""
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || !domainRx.MatchString(email[at+1:]) {
		v.Add(field, "must be a valid email address")
		return ""
	}
	return email
}

// Password records one error per unmet rule.
func (v *Validator) Password(field, pw string, policy PasswordPolicy) {
	n := utf8.RuneCountInString(pw)
	if n == 0 {
		v.Add(field, "is required")
		return
	}
	if n < policy.MinLength {
		v.Add(field, fmt.Sprintf("must be at least %d characters", policy.MinLength))
	}
	if policy.MaxLength > 0 && n > policy.MaxLength {
		v.Add(field, fmt.Sprintf("must be at most %d characters", policy.MaxLength))
	}
	if !strings.ContainsFunc(pw, unicode.IsUpper) {
		v.Add(field, "must contain an uppercase letter")
	}
	if !strings.ContainsFunc(pw, unicode.IsLower) {
		v.Add(field, "must contain a lowercase letter")
	}
	if !strings.ContainsFunc(pw, unicode.IsDigit) {
		v.Add(field, "must contain a digit")
	}
	if !strings.ContainsFunc(pw, isSpecial) {
		v.Add(field, "must contain a special character")
	}
}

func isSpecial(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// Text returns raw sanitized. The lower bound applies to what is left after
// sanitizing; the upper bound also caps the raw input.
func (v *Validator) Text(field, raw string, min, max int) string {
	clean := Sanitize(raw)
	n := utf8.RuneCountInString(clean)
	if n < min {
		if min == 1 {
			v.Add(field, "is required")
		} else {
			v.Add(field, fmt.Sprintf("must be at least %d characters", min))
		}
		return ""
	}
	if max > 0 && (n > max || utf8.RuneCountInString(strings.TrimSpace(raw)) > max) {
		v.Add(field, fmt.Sprintf("must be at most %d characters", max))
		return ""
	}
	return clean
}

// IP records an error unless raw is a literal IPv4 or IPv6 address.
func (v *Validator) IP(field, raw string) string {
	ip, ok := NormalizeIP(raw)
	if !ok {
		v.Add(field, "must be a valid IP address")
		return ""
	}
	return ip
}

var strict = bluemonday.StrictPolicy()

// Sanitize removes every tag, dropping script and style bodies entirely, and
// trims the result.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(strict.Sanitize(s))
}
