package imapx

import (
	"testing"
	"time"
)

func TestLowerRejectsNilFilter(t *testing.T) {
	if _, err := Lower(nil); err == nil {
		t.Fatal("Lower(nil) succeeded, want error")
	}
}

func TestLowerRejectsEmptyValues(t *testing.T) {
	cases := []struct {
		name   string
		filter Filter
	}{
		{"empty sender", FromContains("")},
		{"empty subject", SubjectContains("")},
		{"empty flag", HasFlag("")},
		{"empty conjunction", And{}},
		{"unbounded date range", DateRange{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Lower(tc.filter); err == nil {
				t.Errorf("Lower(%s) succeeded, want error", tc.name)
			}
		})
	}
}

func TestLowerRejectsInvertedDateRange(t *testing.T) {
	filter := DateRange{
		Since:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Before: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := Lower(filter); err == nil {
		t.Fatal("inverted date range accepted, want error")
	}
}

func TestLowerConjunction(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	filter := And{
		FromContains("alice@example.com"),
		SubjectContains("invoice"),
		DateRange{Since: since},
		HasFlag("\\Seen"),
	}

	criteria, err := Lower(filter)
	if err != nil {
		t.Fatalf("Lower returned error: %v", err)
	}

	if len(criteria.Header) != 2 {
		t.Errorf("got %d header terms, want 2", len(criteria.Header))
	}
	if !criteria.Since.Equal(since) {
		t.Errorf("Since = %v, want %v", criteria.Since, since)
	}
	if len(criteria.Flag) != 1 || string(criteria.Flag[0]) != "\\Seen" {
		t.Errorf("Flag = %v, want [\\Seen]", criteria.Flag)
	}
}

func TestLowerConjunctionPropagatesInvalidMember(t *testing.T) {
	filter := And{
		FromContains("alice@example.com"),
		SubjectContains(""),
	}
	if _, err := Lower(filter); err == nil {
		t.Fatal("conjunction with invalid member accepted, want error")
	}
}
