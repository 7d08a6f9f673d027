package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/larder/internal/events"
)

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

type tickMsg time.Time

type errMsg error

// streamClosedMsg means the stream dropped and a reconnect is worth trying.
type streamClosedMsg struct{}

// streamRejectedMsg means the server refused the token; retrying won't help.
type streamRejectedMsg struct{ status string }

type reconnectMsg struct{}

// streamURL turns the API base URL into the websocket URL, resuming after
// lastID when it is set.
func streamURL(apiURL string, lastID int64) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/jobs"
	if lastID > 0 {
		q := u.Query()
		q.Set("last_event_id", strconv.FormatInt(lastID, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// subscribeToJobs connects to /ws/jobs and feeds events into ch until the
// connection drops.
func subscribeToJobs(apiURL, token string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		target, err := streamURL(apiURL, lastID)
		if err != nil {
			return errMsg(err)
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		conn, resp, err := websocket.DefaultDialer.Dial(target, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return streamRejectedMsg{status: resp.Status}
			}
			return streamClosedMsg{}
		}
		defer conn.Close()

		for {
			var e events.Event
			if err := conn.ReadJSON(&e); err != nil {
				return streamClosedMsg{}
			}
			ch <- e
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries /healthz.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(apiURL, "/") + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
