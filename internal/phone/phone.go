// Package phone converts user supplied phone numbers into the canonical
// E.164 form used as the internal key, and into WhatsApp addresses.
package phone

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
)

// NetworkSuffix is appended to the bare digits to form a user address.
const NetworkSuffix = "@s.whatsapp.net"

// DefaultRegion is tried again once after the candidate list is exhausted.
const DefaultRegion = "US"

// CandidateRegions are tried in order for numbers without a leading +.
var CandidateRegions = []string{"US", "PK", "IN", "GB", "CA", "AU"}

var nonDialable = regexp.MustCompile(`[^\d+]`)

// Normalize returns the canonical +<cc><number> form of raw, or
// domain.ErrInvalidPhoneFormat when no interpretation is valid.
func Normalize(raw string) (string, error) {
	cleaned := nonDialable.ReplaceAllString(raw, "")
	if cleaned == "" {
		return "", errors.Wrapf(domain.ErrInvalidPhoneFormat, "%q", raw)
	}

	if strings.HasPrefix(cleaned, "+") {
		if num, ok := parseValid(cleaned, ""); ok {
			return phonenumbers.Format(num, phonenumbers.E164), nil
		}
		return "", errors.Wrapf(domain.ErrInvalidPhoneFormat, "%q", raw)
	}

	for _, region := range CandidateRegions {
		if num, ok := parseValid(cleaned, region); ok {
			return phonenumbers.Format(num, phonenumbers.E164), nil
		}
	}

	if num, ok := parseValid(cleaned, DefaultRegion); ok {
		return phonenumbers.Format(num, phonenumbers.E164), nil
	}
	return "", errors.Wrapf(domain.ErrInvalidPhoneFormat, "%q", raw)
}

func parseValid(number, region string) (*phonenumbers.PhoneNumber, bool) {
	num, err := phonenumbers.Parse(number, region)
	if err != nil {
		return nil, false
	}
	return num, phonenumbers.IsValidNumber(num)
}

// IsValid reports whether raw normalizes.
func IsValid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// FormatForDisplay renders raw in international format, falling back to
// the input when it does not normalize.
func FormatForDisplay(raw string) string {
	canonical, err := Normalize(raw)
	if err != nil {
		return raw
	}
	num, err := phonenumbers.Parse(canonical, "")
	if err != nil {
		return canonical
	}
	return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
}

// ToNetworkAddress turns a canonical number into a WhatsApp user address.
func ToNetworkAddress(canonical string) string {
	return strings.TrimPrefix(canonical, "+") + NetworkSuffix
}

// FromNetworkAddress is the inverse of ToNetworkAddress.
func FromNetworkAddress(address string) string {
	user := address
	if i := strings.IndexByte(address, '@'); i >= 0 {
		user = address[:i]
	}
	return "+" + user
}
