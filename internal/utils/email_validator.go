package utils

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/lindell/go-burner-email-providers/burner"
)

// EmailValidationError represents an error during email validation
type EmailValidationError struct {
	Message string
	Code    string
}

func (e EmailValidationError) Error() string {
	return e.Message
}

// CustomAddress is a validated custom sending address split into its parts.
type CustomAddress struct {
	Address   string
	LocalPart string
	Domain    string
}

// ValidateCustomAddress checks an address a form owner wants to send from.
// Disposable domains and the platform's own inbound domain are refused.
func ValidateCustomAddress(address, inboundDomain string) (*CustomAddress, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return nil, &EmailValidationError{
			Message: "Invalid email format",
			Code:    "INVALID_FORMAT",
		}
	}

	local, domain, err := splitAddress(parsed.Address)
	if err != nil {
		return nil, &EmailValidationError{
			Message: "Could not extract domain from email",
			Code:    "DOMAIN_EXTRACTION_ERROR",
		}
	}

	if IsDisposableEmail(parsed.Address) {
		return nil, &EmailValidationError{
			Message: fmt.Sprintf("Email from disposable domain '%s' is not allowed. Please use a domain you own.", domain),
			Code:    "DISPOSABLE_EMAIL",
		}
	}

	inboundDomain = strings.ToLower(inboundDomain)
	if inboundDomain != "" && (domain == inboundDomain || strings.HasSuffix(domain, "."+inboundDomain)) {
		return nil, &EmailValidationError{
			Message: "Addresses on the platform inbound domain cannot be used as a custom sender",
			Code:    "RESERVED_DOMAIN",
		}
	}

	return &CustomAddress{Address: local + "@" + domain, LocalPart: local, Domain: domain}, nil
}

// ForwardingAddress is where a custom domain forwards replies so that they
// reach the inbound pipeline: {local}@{domain}.{inboundDomain}.
func ForwardingAddress(a *CustomAddress, inboundDomain string) string {
	return fmt.Sprintf("%s@%s.%s", a.LocalPart, a.Domain, strings.ToLower(inboundDomain))
}

// IsDisposableEmail reports whether the address belongs to a throwaway
// mail provider. Subdomains of such providers count too.
func IsDisposableEmail(address string) bool {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return false
	}
	if burner.IsBurnerEmail(address) {
		return true
	}

	_, domain, err := splitAddress(address)
	if err != nil {
		return false
	}
	parts := strings.Split(domain, ".")
	if len(parts) > 2 {
		parent := strings.Join(parts[len(parts)-2:], ".")
		return burner.IsBurnerDomain(parent)
	}
	return false
}

func splitAddress(address string) (string, string, error) {
	address = strings.TrimSpace(address)
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid email format")
	}
	return parts[0], strings.ToLower(parts[1]), nil
}
