package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kalambet/studymate/internal/reminder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func settled(t *testing.T) reminder.Reminder {
	t.Helper()
	var r reminder.Reminder
	due := time.Date(2024, time.October, 25, 15, 32, 0, 0, time.UTC)
	raw := fmt.Sprintf(`{"id":"r1","subject":"Toán","time":%d,"notified":true}`, due.UnixMilli())
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var welcome Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, TypeWelcome, welcome.Type)
	return conn
}

func TestHubBroadcastsReminders(t *testing.T) {
	hub := NewHub(quietLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	require.Equal(t, 2, hub.ClientCount())

	r := settled(t)
	require.NoError(t, hub.Notify(context.Background(), r))

	for _, conn := range []*websocket.Conn{a, b} {
		var got struct {
			Type    string          `json:"type"`
			Payload ReminderPayload `json:"payload"`
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&got))

		assert.Equal(t, TypeReminder, got.Type)
		assert.Equal(t, ReminderPayload{
			ID:       "r1",
			Subject:  "Toán",
			Time:     r.DueAt.UnixMilli(),
			Notified: true,
			Message:  "Đến giờ học Toán!",
		}, got.Payload)
	}
}

func TestHubUnregistersClosedClients(t *testing.T) {
	hub := NewHub(quietLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Equal(t, 1, hub.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubNotifyWithoutClients(t *testing.T) {
	hub := NewHub(quietLogger())
	assert.NoError(t, hub.Notify(context.Background(), settled(t)))
}

func TestHubClose(t *testing.T) {
	hub := NewHub(quietLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, n.Notify(context.Background(), settled(t)))
	out := buf.String()
	assert.Contains(t, out, "Đến giờ học Toán!")
	assert.Contains(t, out, "reminder_id=r1")
}

func TestHubWithMultiNotifier(t *testing.T) {
	hub := NewHub(quietLogger())
	var buf bytes.Buffer
	n := reminder.MultiNotifier{hub, LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}}

	require.NoError(t, n.Notify(context.Background(), settled(t)))
	assert.Contains(t, buf.String(), "subject=Toán")
}
