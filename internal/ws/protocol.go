package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/samhotchkiss/calpush/internal/resource"
)

const (
	registerProperty   = "register"
	unregisterProperty = "unregister"

	errInvalidRequest    = "Invalid Request"
	errDuplicatedEntries = "register and unregister cannot contain duplicated entries"
	errInternal          = "internal-error"
)

// requestError is a validation failure reported to the client as an error frame.
type requestError struct {
	message string
}

func (e *requestError) Error() string {
	return e.message
}

type subscribeRequest struct {
	Register   []Entry
	Unregister []Entry
}

type errorFrame struct {
	Error string `json:"error"`
}

// parseSubscribeRequest decodes a client message. Missing or non-array
// fields count as empty and non-string entries are ignored; an entry that
// is not a resource uri invalidates the whole message.
func parseSubscribeRequest(raw []byte) (subscribeRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return subscribeRequest{}, &requestError{message: errInvalidRequest}
	}

	register, err := parseEntries(fields[registerProperty])
	if err != nil {
		return subscribeRequest{}, err
	}
	unregister, err := parseEntries(fields[unregisterProperty])
	if err != nil {
		return subscribeRequest{}, err
	}
	return subscribeRequest{Register: register, Unregister: unregister}, nil
}

func parseEntries(raw json.RawMessage) ([]Entry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil
	}

	entries := make([]Entry, 0, len(items))
	seen := make(map[resource.Key]struct{}, len(items))
	for _, item := range items {
		var text *string
		if err := json.Unmarshal(item, &text); err != nil || text == nil {
			continue
		}
		uri := *text
		key, err := resource.Parse(uri)
		if err != nil {
			return nil, &requestError{message: errInvalidRequest}
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		entries = append(entries, Entry{Key: key, URI: uri})
	}
	return entries, nil
}

func (r subscribeRequest) validate() error {
	unregistering := make(map[resource.Key]struct{}, len(r.Unregister))
	for _, entry := range r.Unregister {
		unregistering[entry.Key] = struct{}{}
	}

	var duplicated []string
	for _, entry := range r.Register {
		if _, ok := unregistering[entry.Key]; ok {
			duplicated = append(duplicated, entry.URI)
		}
	}
	if len(duplicated) > 0 {
		return &requestError{message: errDuplicatedEntries + ": " + strings.Join(duplicated, ", ")}
	}
	return nil
}

// Processor applies client register/unregister messages to the registry.
type Processor struct {
	Registry *Registry
	Logf     func(string, ...any)
}

// Process handles one client message and returns the frame to send back:
// an acknowledgment or an error frame. It never fails the connection.
func (p *Processor) Process(ctx context.Context, conn *Connection, raw []byte) []byte {
	request, err := parseSubscribeRequest(raw)
	if err == nil {
		err = request.validate()
	}
	if err != nil {
		p.logf("warning: rejected client message: connection_id=%s err=%v", conn.ID, err)
		return encodeError(err)
	}

	result := p.Registry.Unregister(conn, request.Unregister)
	result = result.merge(p.Registry.Register(ctx, conn, request.Register))

	payload, err := json.Marshal(result)
	if err != nil {
		p.logf("warning: encode acknowledgment: connection_id=%s err=%v", conn.ID, err)
		return encodeError(err)
	}
	return payload
}

func encodeError(err error) []byte {
	message := errInternal
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		message = reqErr.message
	}
	payload, _ := json.Marshal(errorFrame{Error: message})
	return payload
}

func (p *Processor) logf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
