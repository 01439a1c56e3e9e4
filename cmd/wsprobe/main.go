package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type subscribeRequest struct {
	Register   []string `json:"register,omitempty"`
	Unregister []string `json:"unregister,omitempty"`
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "wsprobe",
		Usage:     "Connect to a calpush hub, subscribe and print pushed frames.",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:4300/ws", EnvVars: []string{"CALPUSH_WS_URL"}, Usage: "websocket endpoint"},
			&cli.StringFlag{Name: "ticket", EnvVars: []string{"CALPUSH_TICKET"}, Usage: "connect ticket", Required: true},
			&cli.StringSliceFlag{Name: "register", Aliases: []string{"r"}, Usage: "resource uri to subscribe to (repeatable)"},
			&cli.StringSliceFlag{Name: "unregister", Aliases: []string{"u"}, Usage: "resource uri to unsubscribe from (repeatable)"},
			&cli.DurationFlag{Name: "duration", Value: 0, Usage: "stop after this long; 0 waits for Ctrl-C"},
		},
		Action: func(c *cli.Context) error {
			endpoint, err := dialURL(c.String("url"), c.String("ticket"))
			if err != nil {
				return err
			}

			conn, resp, err := websocket.DefaultDialer.DialContext(c.Context, endpoint, nil)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("dial %s: %w (status %d)", c.String("url"), err, resp.StatusCode)
				}
				return fmt.Errorf("dial %s: %w", c.String("url"), err)
			}
			defer conn.Close()

			request := subscribeRequest{
				Register:   c.StringSlice("register"),
				Unregister: c.StringSlice("unregister"),
			}
			if len(request.Register) > 0 || len(request.Unregister) > 0 {
				payload, err := json.Marshal(request)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "> %s\n", payload)
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return fmt.Errorf("send request: %w", err)
				}
			}

			return printFrames(conn, out, c.Duration("duration"))
		},
	}
}

// dialURL adds the ticket query parameter to raw.
func dialURL(raw, ticket string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid url scheme %q", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("ticket", strings.TrimSpace(ticket))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func printFrames(conn *websocket.Conn, out io.Writer, duration time.Duration) error {
	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			frames <- message
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case message := <-frames:
			fmt.Fprintf(out, "< %s\n", message)
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		case <-timeout:
			return closeGracefully(conn)
		case <-interrupt:
			return closeGracefully(conn)
		}
	}
}

func closeGracefully(conn *websocket.Conn) error {
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
