package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/samhotchkiss/calpush/internal/events"
	"github.com/samhotchkiss/calpush/internal/resource"
	"github.com/stretchr/testify/require"
)

func TestPostSyncTokenPublishes(t *testing.T) {
	f := newRouterFixture(t, false)

	rec := f.signed(t, http.MethodPost, "/internal/events/sync-token",
		`{"uri":"cal://bob/default","syncToken":"opaque-7"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	published := f.publisher.published()
	require.Len(t, published, 1)
	require.Equal(t, resource.MustParse("/calendars/bob/default"), published[0].Key)
	require.Equal(t, events.SyncTokenChanged{Token: "opaque-7"}, published[0].Payload)
}

func TestPostSyncTokenValidation(t *testing.T) {
	f := newRouterFixture(t, false)

	for _, body := range []string{
		`{"uri":"mailto:bob@example.com","syncToken":"t"}`,
		`{"uri":"cal://bob/default","syncToken":"  "}`,
		`{"uri":"cal://bob/default","syncToken":"t","extra":1}`,
		`{"uri":`,
	} {
		rec := f.signed(t, http.MethodPost, "/internal/events/sync-token", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Empty(t, f.publisher.published())
}

func TestPostAccessChangedPublishes(t *testing.T) {
	f := newRouterFixture(t, false)

	rec := f.signed(t, http.MethodPost, "/internal/events/access-changed", `{"uri":"/addressbooks/bob/contacts"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	published := f.publisher.published()
	require.Len(t, published, 1)
	require.Equal(t, events.AccessChanged{}, published[0].Payload)
}

func TestPublishFailureIsBadGateway(t *testing.T) {
	f := newRouterFixture(t, false)
	f.publisher.err = errStoreDown

	rec := f.signed(t, http.MethodPost, "/internal/events/access-changed", `{"uri":"/addressbooks/bob/contacts"}`)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "failed to publish event", decodeBody[errorResponse](t, rec).Error)
}

func TestPublishWithoutBus(t *testing.T) {
	router := NewRouter(Deps{WebhookSecret: testWebhookSecret})
	f := &routerFixture{router: router}

	rec := f.signed(t, http.MethodPost, "/internal/events/sync-token", `{"uri":"cal://bob/default","syncToken":"t"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPostAlarmPublishes(t *testing.T) {
	f := newRouterFixture(t, false)

	rec := f.signed(t, http.MethodPost, "/internal/events/alarm",
		`{"userId":"bob","eventSummary":"Standup","eventURL":"/calendars/bob/default/standup.ics","eventStartTime":"2026-03-14T09:30:00+01:00"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	published := f.publisher.published()
	require.Len(t, published, 1)
	require.Equal(t, events.NewAlarm("bob", "Standup", "/calendars/bob/default/standup.ics",
		time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)), published[0])
}

func TestPostAlarmValidation(t *testing.T) {
	f := newRouterFixture(t, false)

	for _, body := range []string{
		`{"userId":" ","eventStartTime":"2026-03-14T08:30:00Z"}`,
		`{"userId":"bob","eventSummary":"Standup"}`,
		`{"userId":"bob","eventStartTime":"tomorrow"}`,
	} {
		rec := f.signed(t, http.MethodPost, "/internal/events/alarm", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Empty(t, f.publisher.published())
}
