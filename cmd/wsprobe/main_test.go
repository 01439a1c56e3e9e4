package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestDialURL(t *testing.T) {
	got, err := dialURL("http://localhost:4300/ws", "abc")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:4300/ws?ticket=abc", got)

	got, err = dialURL("wss://push.example.com/ws?debug=1", " t ")
	require.NoError(t, err)
	require.Equal(t, "wss://push.example.com/ws?debug=1&ticket=t", got)

	_, err = dialURL("ftp://example.com", "t")
	require.Error(t, err)
}

func TestProbeSendsRequestAndPrintsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ticket") != "bob-ticket" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(message)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"registered":["cal://bob/default"]}`))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	var out bytes.Buffer
	err := newApp(&out).Run([]string{
		"wsprobe",
		"--url", "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		"--ticket", "bob-ticket",
		"--register", "cal://bob/default",
		"--duration", "300ms",
	})
	require.NoError(t, err)

	select {
	case message := <-received:
		require.JSONEq(t, `{"register":["cal://bob/default"]}`, message)
	case <-time.After(time.Second):
		t.Fatal("server never received the request")
	}
	require.Contains(t, out.String(), `< {"registered":["cal://bob/default"]}`)
}
