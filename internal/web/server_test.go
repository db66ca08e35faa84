package web

import (
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

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/device"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
	"github.com/Legich55555/mp710Ctrl/internal/history"
	"github.com/Legich55555/mp710Ctrl/internal/transition"
)

type fakeHistory struct {
	entries []*history.Entry
	limit   int
}

func (f *fakeHistory) Recent(limit int) ([]*history.Entry, error) {
	f.limit = limit
	return f.entries, nil
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	ctrl   *device.Controller
	svc    *control.Service
}

func newTestEnv(t *testing.T, hist HistoryReader) *testEnv {
	t.Helper()

	env := &testEnv{}
	env.ctrl = device.New(device.NewSimulator(device.SmoothProgram, 0), device.Options{
		OnChange: func(ok bool, cmd device.Command) {
			if env.server != nil {
				env.server.Hub().HandleEvent(eventbus.ChangeEvent(ok, cmd))
			}
		},
	})
	env.svc = control.NewService(env.ctrl, transition.NewRegistry(transition.DefaultRGB), 30*time.Minute, nil)
	env.server = New(Deps{
		Config:  config.WebConfig{RateLimit: 1000, RateBurst: 1000},
		Control: env.svc,
		History: hist,
		Version: "test",
	})
	env.ctrl.Start()
	env.http = httptest.NewServer(env.server.Handler())

	t.Cleanup(func() {
		env.server.Hub().CloseAll()
		env.http.Close()
		env.ctrl.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestSetChannel(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPut, "/api/channels/4", `{"value": 90}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, env.svc.Wait(context.Background(), time.Second))

	resp = env.do(t, http.MethodGet, "/api/channels", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var channels []channelResponse
	decode(t, resp, &channels)
	require.Len(t, channels, device.ChannelCount)
	assert.Equal(t, channelResponse{Idx: 4, Value: 90}, channels[4])
}

func TestSetChannel_Invalid(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "index_out_of_range", path: "/api/channels/16", body: `{"value": 1}`},
		{name: "index_not_a_number", path: "/api/channels/x", body: `{"value": 1}`},
		{name: "value_too_large", path: "/api/channels/1", body: `{"value": 129}`},
		{name: "value_missing", path: "/api/channels/1", body: `{}`},
		{name: "unknown_field", path: "/api/channels/1", body: `{"value": 1, "x": 2}`},
		{name: "not_json", path: "/api/channels/1", body: `nope`},
	}

	env := newTestEnv(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestTransitions(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/api/transitions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Transitions []string `json:"transitions"`
	}
	decode(t, resp, &list)
	assert.Equal(t, []string{transition.NameSunrise, transition.NameSunset}, list.Transitions)

	resp = env.do(t, http.MethodPost, "/api/transitions", `{"name": "sunset", "duration": "10m"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, env.ctrl.TransitionActive())

	resp = env.do(t, http.MethodPost, "/api/transitions", `{"name": "disco"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/transitions", `{"name": "sunrise", "duration": "soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil)
		resp := env.do(t, http.MethodGet, "/api/history", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("limit", func(t *testing.T) {
		hist := &fakeHistory{entries: []*history.Entry{{ID: 1, Kind: history.KindCommand, Channel: 2, Param: 3, OK: true}}}
		env := newTestEnv(t, hist)

		resp := env.do(t, http.MethodGet, "/api/history?limit=5000", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, maxHistoryLimit, hist.limit)

		var body struct {
			Entries []history.Entry `json:"entries"`
		}
		decode(t, resp, &body)
		require.Len(t, body.Entries, 1)
		assert.Equal(t, uint8(2), body.Entries[0].Channel)

		resp = env.do(t, http.MethodGet, "/api/history?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStaticIndex(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func dialWS(t *testing.T, env *testEnv, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) map[string]control.StatusEntry {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var status map[string]control.StatusEntry
	require.NoError(t, json.Unmarshal(data, &status))
	return status
}

func TestWebSocket_InitialStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := dialWS(t, env, "/ws")
	status := readStatus(t, conn)

	require.Len(t, status, device.ChannelCount)
	assert.Equal(t, control.StatusEntry{Type: uint8(device.NotSet), ChannelIdx: 7, Param: 0}, status["7"])
}

func TestWebSocket_CommandIsPushed(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := dialWS(t, env, "/websocket")
	readStatus(t, conn)
	require.Eventually(t, func() bool { return env.server.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{1,64,12}")))

	status := readStatus(t, conn)
	assert.Equal(t, map[string]control.StatusEntry{
		"12": {Type: uint8(device.SetBrightness), ChannelIdx: 12, Param: 64},
	}, status)
}

func TestWebSocket_MalformedMessageKeepsConnection(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := dialWS(t, env, "/ws")
	readStatus(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{1,5,0}")))

	status := readStatus(t, conn)
	assert.Equal(t, uint8(5), status["0"].Param)
}
