package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/samhotchkiss/calpush/internal/events"
	"github.com/samhotchkiss/calpush/internal/metrics"
)

const defaultRevalidateTimeout = 10 * time.Second

type syncTokenPush struct {
	SyncToken string `json:"syncToken"`
}

type importPush struct {
	Imports map[string]importStatusPush `json:"imports"`
}

type importStatusPush struct {
	Status       string `json:"status"`
	SucceedCount *int   `json:"succeedCount,omitempty"`
	FailedCount  *int   `json:"failedCount,omitempty"`
}

type alarmPush struct {
	Alarms []alarmEntryPush `json:"alarms"`
}

type alarmEntryPush struct {
	EventSummary   string `json:"eventSummary"`
	EventURL       string `json:"eventURL"`
	EventStartTime string `json:"eventStartTime"`
}

// Dispatcher fans domain events out to the connections subscribed to the
// event's resource. Delivery is at most once: an event with no subscribers
// is dropped and a connection whose queue is full is torn down. Alarms skip
// the registry and go to every connection of their user through Manager.
type Dispatcher struct {
	Registry          *Registry
	Manager           *Manager
	Metrics           *metrics.Hub
	// RevalidateTimeout bounds the access checks run for one access change.
	RevalidateTimeout time.Duration
	Logf              func(string, ...any)
}

// HandleEvent routes an event from the bus. Access changes revalidate the
// resource's subscribers; everything else is pushed.
func (d *Dispatcher) HandleEvent(ctx context.Context, event events.Event) error {
	if event.Payload == nil {
		return fmt.Errorf("dispatch %s: missing payload", event.Key)
	}
	if _, ok := event.Payload.(events.AccessChanged); ok {
		ctx, cancel := context.WithTimeout(ctx, d.revalidateTimeout())
		defer cancel()
		removed := d.Registry.Revalidate(ctx, event.Key)
		if removed > 0 {
			d.logf("access change removed subscriptions: uri=%s removed=%d", event.Key, removed)
		}
		return nil
	}
	d.Dispatch(event)
	return nil
}

// Dispatch pushes event to every current subscriber of its resource and
// returns how many connections accepted the frame.
func (d *Dispatcher) Dispatch(event events.Event) int {
	if event.Payload == nil {
		return 0
	}
	if alarm, ok := event.Payload.(events.Alarm); ok {
		return d.dispatchAlarm(alarm)
	}
	if progress, ok := event.Payload.(events.ImportProgress); ok {
		d.Metrics.ImportNotified(string(progress.Status))
	}

	frames := make(map[string][]byte)
	var failed []*Connection
	delivered := 0

	d.Registry.deliver(event.Key, func(sub Subscriber) {
		frame, ok := frames[sub.URI]
		if !ok {
			var err error
			frame, err = encodePush(sub.URI, event.Payload)
			if err != nil {
				d.logf("warning: encode push: uri=%s err=%v", sub.URI, err)
				return
			}
			frames[sub.URI] = frame
		}
		if frame == nil {
			return
		}
		if sub.Conn.Send(frame) {
			delivered++
			d.Metrics.PushDelivered()
			return
		}
		d.Metrics.PushDropped()
		failed = append(failed, sub.Conn)
	})

	// Teardown takes the shard locks, so it runs after delivery releases them.
	for _, conn := range failed {
		if conn.IsOpen() {
			d.logf("warning: outbound queue full, closing connection: connection_id=%s uri=%s", conn.ID, event.Key)
		}
		conn.Close()
	}
	return delivered
}

func (d *Dispatcher) dispatchAlarm(alarm events.Alarm) int {
	if d.Manager == nil {
		return 0
	}
	conns := d.Manager.ForUser(alarm.UserID)
	if len(conns) == 0 {
		return 0
	}
	frame, err := json.Marshal(alarmPush{Alarms: []alarmEntryPush{{
		EventSummary:   alarm.Summary,
		EventURL:       alarm.EventURL,
		EventStartTime: alarm.StartTime.UTC().Format(time.RFC3339Nano),
	}}})
	if err != nil {
		d.logf("warning: encode alarm: user_id=%s err=%v", alarm.UserID, err)
		return 0
	}

	delivered := 0
	for _, conn := range conns {
		if conn.Send(frame) {
			delivered++
			d.Metrics.PushDelivered()
			continue
		}
		d.Metrics.PushDropped()
		if conn.IsOpen() {
			d.logf("warning: outbound queue full, closing connection: connection_id=%s user_id=%s", conn.ID, alarm.UserID)
		}
		conn.Close()
	}
	return delivered
}

// encodePush renders the frame for one subscriber uri. Payloads that are
// never pushed encode to nil.
func encodePush(uri string, payload events.Payload) ([]byte, error) {
	var body any
	switch p := payload.(type) {
	case events.SyncTokenChanged:
		body = syncTokenPush{SyncToken: p.Token}
	case events.ImportProgress:
		status := importStatusPush{Status: string(p.Status)}
		if p.Status == events.ImportCompleted {
			status.SucceedCount = p.SucceedCount
			status.FailedCount = p.FailedCount
		}
		body = importPush{Imports: map[string]importStatusPush{p.ImportID: status}}
	default:
		return nil, nil
	}
	return json.Marshal(map[string]any{uri: body})
}

func (d *Dispatcher) revalidateTimeout() time.Duration {
	if d.RevalidateTimeout <= 0 {
		return defaultRevalidateTimeout
	}
	return d.RevalidateTimeout
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
