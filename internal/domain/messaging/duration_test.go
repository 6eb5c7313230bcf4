package messaging

import (
	"testing"
	"time"
)

func TestParseHumanDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"2 weeks", 14 * 24 * time.Hour},
		{"1 week", 7 * 24 * time.Hour},
		{"21 days", 21 * 24 * time.Hour},
		{"12 hours", 12 * time.Hour},
		{"30 minutes", 30 * time.Minute},
		{"1 month", 30 * 24 * time.Hour},
		{"1 year", 365 * 24 * time.Hour},
		{" 3 Days ", 3 * 24 * time.Hour},
	}
	for _, c := range cases {
		got, err := ParseHumanDuration(c.in)
		if err != nil {
			t.Errorf("ParseHumanDuration(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseHumanDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseHumanDuration_Errors(t *testing.T) {
	for _, in := range []string{"", "weeks", "2", "two weeks", "5 fortnights", "1 2 3"} {
		if _, err := ParseHumanDuration(in); err == nil {
			t.Errorf("ParseHumanDuration(%q): want error", in)
		}
	}
}
