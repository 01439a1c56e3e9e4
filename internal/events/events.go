// Package events defines the domain events routed to subscribed connections
// and their wire encoding on the cross-node bus.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samhotchkiss/calpush/internal/resource"
)

// ImportStatus is the terminal outcome of an import job as seen by clients.
type ImportStatus string

const (
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
)

// Payload is one of SyncTokenChanged, ImportProgress, AccessChanged or Alarm.
type Payload interface {
	payloadType() string
}

// SyncTokenChanged announces new content on a calendar or address book.
type SyncTokenChanged struct {
	Token string
}

// ImportProgress reports the terminal outcome of an import job. Counts are
// nil for failed imports.
type ImportProgress struct {
	ImportID     string
	Status       ImportStatus
	SucceedCount *int
	FailedCount  *int
}

// AccessChanged tells the hub that read rights on the resource changed and
// existing subscriptions must be revalidated. It is never pushed to clients.
type AccessChanged struct{}

// Alarm is an event reminder for one user. It is routed to every connection
// of that user rather than through resource subscriptions, so events that
// carry it have a zero Key.
type Alarm struct {
	UserID    string
	Summary   string
	EventURL  string
	StartTime time.Time
}

func (SyncTokenChanged) payloadType() string { return typeSyncToken }
func (ImportProgress) payloadType() string   { return typeImport }
func (AccessChanged) payloadType() string    { return typeAccessChanged }
func (Alarm) payloadType() string            { return typeAlarm }

// Event pairs a resource with what happened to it.
type Event struct {
	Key     resource.Key
	Payload Payload
}

// NewSyncToken builds a sync-token event.
func NewSyncToken(key resource.Key, token string) Event {
	return Event{Key: key, Payload: SyncTokenChanged{Token: token}}
}

// NewImportCompleted builds an import event for a successful import.
func NewImportCompleted(key resource.Key, importID string, succeedCount, failedCount int) Event {
	return Event{Key: key, Payload: ImportProgress{
		ImportID:     importID,
		Status:       ImportCompleted,
		SucceedCount: &succeedCount,
		FailedCount:  &failedCount,
	}}
}

// NewImportFailed builds an import event for a failed import.
func NewImportFailed(key resource.Key, importID string) Event {
	return Event{Key: key, Payload: ImportProgress{ImportID: importID, Status: ImportFailed}}
}

// NewAccessChanged builds an access-change notice.
func NewAccessChanged(key resource.Key) Event {
	return Event{Key: key, Payload: AccessChanged{}}
}

// NewAlarm builds a reminder for userID.
func NewAlarm(userID, summary, eventURL string, start time.Time) Event {
	return Event{Payload: Alarm{
		UserID:    userID,
		Summary:   summary,
		EventURL:  eventURL,
		StartTime: start.UTC(),
	}}
}

const (
	typeSyncToken     = "sync_token"
	typeImport        = "import"
	typeAccessChanged = "access_changed"
	typeAlarm         = "alarm"
)

// ErrUnknownEventType is returned when decoding an event with an unrecognised type.
var ErrUnknownEventType = errors.New("unknown event type")

type wireEvent struct {
	Type           string     `json:"type"`
	URI            string     `json:"uri,omitempty"`
	SyncToken      string     `json:"syncToken,omitempty"`
	ImportID       string     `json:"importId,omitempty"`
	Status         string     `json:"status,omitempty"`
	SucceedCount   *int       `json:"succeedCount,omitempty"`
	FailedCount    *int       `json:"failedCount,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	EventSummary   string     `json:"eventSummary,omitempty"`
	EventURL       string     `json:"eventUrl,omitempty"`
	EventStartTime *time.Time `json:"eventStartTime,omitempty"`
}

// Marshal encodes an event for the cross-node bus.
func Marshal(event Event) ([]byte, error) {
	if event.Payload == nil {
		return nil, fmt.Errorf("marshal event for %s: missing payload", event.Key)
	}
	wire := wireEvent{Type: event.Payload.payloadType()}
	switch payload := event.Payload.(type) {
	case Alarm:
		if strings.TrimSpace(payload.UserID) == "" {
			return nil, fmt.Errorf("marshal alarm: missing user id")
		}
		start := payload.StartTime.UTC()
		wire.UserID = payload.UserID
		wire.EventSummary = payload.Summary
		wire.EventURL = payload.EventURL
		wire.EventStartTime = &start
		return json.Marshal(wire)
	}
	wire.URI = event.Key.URI()
	switch payload := event.Payload.(type) {
	case SyncTokenChanged:
		wire.SyncToken = payload.Token
	case ImportProgress:
		wire.ImportID = payload.ImportID
		wire.Status = string(payload.Status)
		wire.SucceedCount = payload.SucceedCount
		wire.FailedCount = payload.FailedCount
	}
	return json.Marshal(wire)
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(raw []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if wire.Type == typeAlarm {
		if strings.TrimSpace(wire.UserID) == "" || wire.EventStartTime == nil {
			return Event{}, fmt.Errorf("decode event: alarm needs userId and eventStartTime")
		}
		return NewAlarm(wire.UserID, wire.EventSummary, wire.EventURL, *wire.EventStartTime), nil
	}
	key, err := resource.Parse(wire.URI)
	if err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	switch wire.Type {
	case typeSyncToken:
		return Event{Key: key, Payload: SyncTokenChanged{Token: wire.SyncToken}}, nil
	case typeImport:
		status := ImportStatus(wire.Status)
		if status != ImportCompleted && status != ImportFailed {
			return Event{}, fmt.Errorf("decode event: unknown import status %q", wire.Status)
		}
		return Event{Key: key, Payload: ImportProgress{
			ImportID:     wire.ImportID,
			Status:       status,
			SucceedCount: wire.SucceedCount,
			FailedCount:  wire.FailedCount,
		}}, nil
	case typeAccessChanged:
		return Event{Key: key, Payload: AccessChanged{}}, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, wire.Type)
	}
}
