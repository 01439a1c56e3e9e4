package events

import (
	"errors"
	"testing"
	"time"

	"github.com/samhotchkiss/calpush/internal/resource"
	"github.com/stretchr/testify/require"
)

func TestMarshalImportCompletedCarriesCounts(t *testing.T) {
	key := resource.MustParse("/calendars/bob/default")

	raw, err := Marshal(NewImportCompleted(key, "import-123", 45, 2))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "import",
		"uri": "/calendars/bob/default",
		"importId": "import-123",
		"status": "completed",
		"succeedCount": 45,
		"failedCount": 2
	}`, string(raw))
}

func TestMarshalImportFailedOmitsCounts(t *testing.T) {
	raw, err := Marshal(NewImportFailed(resource.MustParse("card://alice/contacts"), "import-9"))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "import",
		"uri": "/addressbooks/alice/contacts",
		"importId": "import-9",
		"status": "failed"
	}`, string(raw))
}

func TestUnmarshalRestoresEachPayloadType(t *testing.T) {
	key := resource.MustParse("/calendars/bob/default")

	for _, event := range []Event{
		NewSyncToken(key, "http://sabre.io/ns/sync/42"),
		NewImportCompleted(key, "import-1", 3, 0),
		NewImportFailed(key, "import-2"),
		NewAccessChanged(key),
	} {
		raw, err := Marshal(event)
		require.NoError(t, err)

		decoded, err := Unmarshal(raw)
		require.NoError(t, err)
		require.Equal(t, event, decoded)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"calendar_list","uri":"/calendars/bob/default"}`))
	require.True(t, errors.Is(err, ErrUnknownEventType))
}

func TestUnmarshalRejectsBadURIAndStatus(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"sync_token","uri":"/nowhere"}`))
	require.True(t, errors.Is(err, resource.ErrInvalidURI))

	_, err = Unmarshal([]byte(`{"type":"import","uri":"/calendars/bob/default","status":"pending"}`))
	require.Error(t, err)
}

func TestMarshalRequiresPayload(t *testing.T) {
	_, err := Marshal(Event{Key: resource.MustParse("/calendars/bob/default")})
	require.Error(t, err)
}

func TestAlarmRoundTripsWithoutResource(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	event := NewAlarm("bob", "Standup", "/calendars/bob/default/standup.ics", start)

	raw, err := Marshal(event)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "alarm",
		"userId": "bob",
		"eventSummary": "Standup",
		"eventUrl": "/calendars/bob/default/standup.ics",
		"eventStartTime": "2026-03-14T08:30:00Z"
	}`, string(raw))

	decoded, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, event, decoded)
}

func TestAlarmRequiresUser(t *testing.T) {
	_, err := Marshal(NewAlarm(" ", "Standup", "", time.Now()))
	require.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"alarm","eventStartTime":"2026-03-14T08:30:00Z"}`))
	require.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"alarm","userId":"bob"}`))
	require.Error(t, err)
}
