// Package phone wraps libphonenumber for the two comparisons the pipeline
// needs: fuzzy equality between two numbers and a "phone-shaped" check for
// configured recipients.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Matches reports whether a and b refer to the same number. Numbers that
// parse as international are compared by country code and national number;
// otherwise the digit sequences are compared, tolerating a missing country
// prefix on one side.
func Matches(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	pa, errA := phonenumbers.Parse(a, "")
	pb, errB := phonenumbers.Parse(b, "")
	if errA == nil && errB == nil {
		return pa.GetCountryCode() == pb.GetCountryCode() &&
			pa.GetNationalNumber() == pb.GetNationalNumber()
	}

	da, db := digits(a), digits(b)
	if da == "" || db == "" {
		return false
	}
	if da == db {
		return true
	}
	// One side may carry a country prefix the other lacks.
	const minSignificant = 5
	if len(da) >= minSignificant && len(db) >= minSignificant {
		return strings.HasSuffix(da, db) || strings.HasSuffix(db, da)
	}
	return false
}

// IsPhoneShaped reports whether s parses as an international phone number.
// Used to distinguish literal recipients from expressions and to reject
// non-international results of recipient evaluation.
func IsPhoneShaped(s string) bool {
	if !strings.HasPrefix(strings.TrimSpace(s), "+") {
		return false
	}
	_, err := phonenumbers.Parse(strings.TrimSpace(s), "")
	return err == nil
}
