// Package ids issues the short numeric patient identifiers used in SMS
// workflows. Codes are random digit strings with a trailing check digit,
// verified unique against the document store before being handed out.
package ids

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/cht/sentinel/internal/platform/store"
)

// DefaultLength is the total shortcode length, check digit included.
const DefaultLength = 5

// maxAttempts bounds the collision-retry loop. The digit space at the
// default length is large enough that hitting this means the deployment
// needs a longer code length, not more retries.
const maxAttempts = 25

// ErrExhausted is returned when no unused shortcode was found within the
// retry budget.
var ErrExhausted = errors.New("ids: shortcode space exhausted")

// Service issues unique patient shortcodes.
type Service struct {
	docs   store.Docs
	length int
}

// NewService creates an id service issuing codes of the given total length.
// Lengths below 3 fall back to DefaultLength.
func NewService(docs store.Docs, length int) *Service {
	if length < 3 {
		length = DefaultLength
	}
	return &Service{docs: docs, length: length}
}

// Generate produces one candidate shortcode without a uniqueness check.
func (s *Service) Generate() (string, error) {
	digits := make([]byte, s.length-1)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("ids: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits) + checkDigit(digits), nil
}

// NewUnique issues a shortcode not yet assigned to any patient. It retries
// on collision up to the attempt budget and returns ErrExhausted past it.
func (s *Service) NewUnique(ctx context.Context) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		code, err := s.Generate()
		if err != nil {
			return "", err
		}
		taken, err := s.taken(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts at length %d", ErrExhausted, maxAttempts, s.length)
}

func (s *Service) taken(ctx context.Context, code string) (bool, error) {
	rows, err := s.docs.Query(ctx, store.ViewPatientByShortcode, store.ViewQuery{
		Key:   code,
		Limit: 1,
	})
	if err != nil {
		return false, fmt.Errorf("ids: lookup %q: %w", code, err)
	}
	return len(rows) > 0, nil
}

// checkDigit computes a Luhn mod-10 check digit over the given digits.
func checkDigit(digits []byte) string {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		double = !double
		sum += d
	}
	return string(byte('0' + (10-sum%10)%10))
}

// Valid reports whether a shortcode has the right shape and check digit.
func Valid(code string) bool {
	if len(code) < 3 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return checkDigit([]byte(code[:len(code)-1])) == code[len(code)-1:]
}
