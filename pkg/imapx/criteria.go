package imapx

import (
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Filter is a search predicate built and validated before being lowered to
// wire-level IMAP search syntax. Filters are a closed set: sender, subject,
// date range, flag, and conjunction.
type Filter interface {
	apply(criteria *imap.SearchCriteria) error
}

// FromContains matches messages whose From header contains the value.
type FromContains string

// SubjectContains matches messages whose Subject header contains the value.
type SubjectContains string

// DateRange matches messages received in [Since, Before). Either bound may
// be zero, but not both.
type DateRange struct {
	Since  time.Time
	Before time.Time
}

// HasFlag matches messages carrying the given flag (e.g. "\\Seen").
type HasFlag string

// And combines filters; IMAP search terms conjoin natively.
type And []Filter

func (f FromContains) apply(criteria *imap.SearchCriteria) error {
	if f == "" {
		return errors.New("sender filter must not be empty")
	}
	criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
		Key:   "From",
		Value: string(f),
	})
	return nil
}

func (f SubjectContains) apply(criteria *imap.SearchCriteria) error {
	if f == "" {
		return errors.New("subject filter must not be empty")
	}
	criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
		Key:   "Subject",
		Value: string(f),
	})
	return nil
}

func (f DateRange) apply(criteria *imap.SearchCriteria) error {
	if f.Since.IsZero() && f.Before.IsZero() {
		return errors.New("date range filter needs at least one bound")
	}
	if !f.Since.IsZero() && !f.Before.IsZero() && f.Before.Before(f.Since) {
		return fmt.Errorf("date range ends (%s) before it starts (%s)",
			f.Before.Format("2006-01-02"), f.Since.Format("2006-01-02"))
	}
	if !f.Since.IsZero() {
		criteria.Since = f.Since
	}
	if !f.Before.IsZero() {
		criteria.Before = f.Before
	}
	return nil
}

func (f HasFlag) apply(criteria *imap.SearchCriteria) error {
	if f == "" {
		return errors.New("flag filter must not be empty")
	}
	criteria.Flag = append(criteria.Flag, imap.Flag(f))
	return nil
}

func (f And) apply(criteria *imap.SearchCriteria) error {
	if len(f) == 0 {
		return errors.New("empty conjunction")
	}
	for _, sub := range f {
		if err := sub.apply(criteria); err != nil {
			return err
		}
	}
	return nil
}

// Lower validates a filter and produces the wire-level search criteria.
func Lower(filter Filter) (*imap.SearchCriteria, error) {
	if filter == nil {
		return nil, errors.New("nil search filter")
	}
	criteria := &imap.SearchCriteria{}
	if err := filter.apply(criteria); err != nil {
		return nil, fmt.Errorf("invalid search filter: %w", err)
	}
	return criteria, nil
}
