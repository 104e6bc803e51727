// internal/server/server_test.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/rentrt/internal/api"
	"github.com/markb/rentrt/internal/auth"
	"github.com/markb/rentrt/internal/db"
	"github.com/markb/rentrt/internal/notification"
	"github.com/markb/rentrt/internal/wire"
)

const testSecret = "test-secret-key-min-32-characters"

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	path := t.TempDir() + "/test.db"
	database, err := db.New(path)
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations())
	t.Cleanup(func() { database.Close() })

	issuer, err := auth.NewIssuer(testSecret)
	require.NoError(t, err)

	srv := New(database, issuer, nil)
	t.Cleanup(srv.Realtime().Close)
	return srv
}

type testEnv struct {
	srv *Server
	ts  *httptest.Server
}

func setupHTTP(t *testing.T) *testEnv {
	t.Helper()
	srv := setupTestServer(t)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := e.srv.issuer.Mint(userID, "", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) client(t *testing.T, userID string) *api.Client {
	return api.New(e.ts.URL, auth.NewTokenStore(e.token(t, userID, "")))
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 0, body.Realtime.Connections)
}

func TestAuthRequired(t *testing.T) {
	srv := setupTestServer(t)

	cases := map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"invalid":   "Bearer not-a-jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/notifications", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			srv.Router().ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestNotificationLifecycle(t *testing.T) {
	e := setupHTTP(t)
	ctx := context.Background()
	c := e.client(t, "u1")

	first, err := c.CreateNotification(ctx, notification.CreateRequest{Title: "Rent due", Message: "Pay by Friday", Type: notification.TypePayment})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, notification.PriorityNormal, first.Priority)

	second, err := c.SendTest(ctx)
	require.NoError(t, err)
	assert.Equal(t, notification.TypeSystem, second.Type)

	list, err := c.List(ctx, notification.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Notifications, 2)
	assert.Equal(t, 2, list.UnreadCount)

	require.NoError(t, c.MarkRead(ctx, first.ID))
	list, err = c.List(ctx, notification.ListOptions{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, second.ID, list.Notifications[0].ID)
	assert.Equal(t, 1, list.UnreadCount)

	require.NoError(t, c.MarkAllRead(ctx))
	list, err = c.List(ctx, notification.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, list.UnreadCount)

	require.NoError(t, c.DeleteNotification(ctx, first.ID))
	err = c.DeleteNotification(ctx, first.ID)
	assert.True(t, api.IsNotFound(err), "got %v", err)

	require.NoError(t, c.DeleteAll(ctx))
	list, err = c.List(ctx, notification.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Notifications)
}

func TestNotificationsAreScopedToCaller(t *testing.T) {
	e := setupHTTP(t)
	ctx := context.Background()

	mine, err := e.client(t, "u1").CreateNotification(ctx, notification.CreateRequest{Title: "a", Message: "b"})
	require.NoError(t, err)

	other := e.client(t, "u2")
	list, err := other.List(ctx, notification.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Notifications)
	assert.True(t, api.IsNotFound(other.MarkRead(ctx, mine.ID)))
}

func TestCreateValidation(t *testing.T) {
	e := setupHTTP(t)
	ctx := context.Background()
	c := e.client(t, "u1")

	cases := []struct {
		name   string
		req    notification.CreateRequest
		status int
	}{
		{"missing title", notification.CreateRequest{Message: "x"}, http.StatusBadRequest},
		{"unknown type", notification.CreateRequest{Title: "x", Message: "y", Type: "bogus"}, http.StatusBadRequest},
		{"unknown priority", notification.CreateRequest{Title: "x", Message: "y", Priority: "meh"}, http.StatusBadRequest},
		{"other user", notification.CreateRequest{UserID: "u2", Title: "x", Message: "y"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreateNotification(ctx, tc.req)
			var apiErr *api.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.Status)
		})
	}
}

func TestServiceRoleTargetsOtherUsers(t *testing.T) {
	e := setupHTTP(t)
	ctx := context.Background()
	svc := api.New(e.ts.URL, auth.NewTokenStore(e.token(t, "backend", auth.RoleService)))

	_, err := svc.CreateNotification(ctx, notification.CreateRequest{UserID: "u2", Title: "Contract signed", Message: "ok", Type: notification.TypeContract})
	require.NoError(t, err)

	list, err := e.client(t, "u2").List(ctx, notification.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, "Contract signed", list.Notifications[0].Title)
}

func TestPreferences(t *testing.T) {
	e := setupHTTP(t)
	ctx := context.Background()
	c := e.client(t, "u1")

	prefs, err := c.Preferences(ctx)
	require.NoError(t, err)
	assert.True(t, prefs.CategoryEnabled(notification.TypeRating))

	prefs.Categories[notification.TypeRating] = false
	prefs.QuietHours = &notification.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	_, err = c.UpdatePreferences(ctx, prefs)
	require.NoError(t, err)

	got, err := c.Preferences(ctx)
	require.NoError(t, err)
	assert.False(t, got.CategoryEnabled(notification.TypeRating))
	require.NotNil(t, got.QuietHours)
	assert.Equal(t, "22:00", got.QuietHours.Start)

	prefs.QuietHours.End = "25:99"
	_, err = c.UpdatePreferences(ctx, prefs)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "validation_failed", apiErr.Code)
}

func TestCreatePushesToLiveSession(t *testing.T) {
	e := setupHTTP(t)
	ctx := context.Background()

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/realtime/" + wire.EndpointNotifications + "?token=" + e.token(t, "u1", "")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()
	require.Eventually(t, func() bool { return e.srv.Realtime().Stats().Connections == 1 }, time.Second, 5*time.Millisecond)

	c := e.client(t, "u1")
	n, err := c.CreateNotification(ctx, notification.CreateRequest{Title: "Viewing booked", Message: "Tue 10:00", Priority: notification.PriorityUrgent})
	require.NoError(t, err)

	next := func() wire.Message {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		return msg
	}

	nn, ok := next().Event.(*wire.NewNotification)
	require.True(t, ok)
	assert.Equal(t, n.ID, nn.ID)
	assert.Equal(t, "urgent", nn.Priority)

	require.NoError(t, c.MarkRead(ctx, n.ID))
	rd, ok := next().Event.(*wire.NotificationRead)
	require.True(t, ok)
	assert.Equal(t, n.ID, rd.NotificationID)
}

func TestBroadcastSystemRequiresServiceRole(t *testing.T) {
	e := setupHTTP(t)

	post := func(token string) *http.Response {
		body := bytes.NewBufferString(`{"title":"Maintenance","message":"tonight"}`)
		req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/system", body)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusForbidden, post(e.token(t, "u1", "")).StatusCode)

	resp := post(e.token(t, "backend", auth.RoleService))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["id"])
	assert.EqualValues(t, 0, out["delivered"])
}

func TestLogsEndpoint(t *testing.T) {
	e := setupHTTP(t)

	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/api/logs?lines=5", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(t, "u1", ""))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotNil(t, out.Lines)
}
