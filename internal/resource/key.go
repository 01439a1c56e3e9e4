// Package resource identifies the calendars and address books that clients
// subscribe to.
package resource

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes calendars from address books.
type Kind string

const (
	KindCalendar    Kind = "calendar"
	KindAddressBook Kind = "addressbook"
)

const (
	calendarsSegment    = "calendars"
	addressBooksSegment = "addressbooks"
	calendarScheme      = "cal://"
	addressBookScheme   = "card://"
)

// ErrInvalidURI is returned when a raw uri does not name a calendar or address book.
var ErrInvalidURI = errors.New("invalid resource uri")

// Key is the canonical, comparable identifier of a subscribable resource.
type Key struct {
	Kind       Kind
	OwnerID    string
	ResourceID string
}

// Parse accepts the path forms /calendars/{owner}/{id} and
// /addressbooks/{owner}/{id} as well as the cal:// and card:// shorthands.
func Parse(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrInvalidURI)
	}

	switch {
	case strings.HasPrefix(trimmed, calendarScheme):
		return fromSegments(KindCalendar, splitSegments(strings.TrimPrefix(trimmed, calendarScheme)), raw)
	case strings.HasPrefix(trimmed, addressBookScheme):
		return fromSegments(KindAddressBook, splitSegments(strings.TrimPrefix(trimmed, addressBookScheme)), raw)
	}

	segments := splitSegments(trimmed)
	if len(segments) == 0 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
	switch segments[0] {
	case calendarsSegment:
		return fromSegments(KindCalendar, segments[1:], raw)
	case addressBooksSegment:
		return fromSegments(KindAddressBook, segments[1:], raw)
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Key {
	key, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return key
}

// URI renders the canonical path form of the key.
func (k Key) URI() string {
	switch k.Kind {
	case KindAddressBook:
		return "/" + addressBooksSegment + "/" + k.OwnerID + "/" + k.ResourceID
	default:
		return "/" + calendarsSegment + "/" + k.OwnerID + "/" + k.ResourceID
	}
}

func (k Key) String() string {
	return k.URI()
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k == Key{}
}

func fromSegments(kind Kind, segments []string, raw string) (Key, error) {
	if len(segments) != 2 {
		return Key{}, fmt.Errorf("%w: expected owner and resource id in %q", ErrInvalidURI, raw)
	}
	for _, segment := range segments {
		if strings.ContainsAny(segment, " \t\r\n?#") {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
		}
	}
	return Key{Kind: kind, OwnerID: segments[0], ResourceID: segments[1]}, nil
}

func splitSegments(path string) []string {
	parts := strings.Split(path, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segments = append(segments, part)
	}
	return segments
}
