package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/allape/camworker/control"
	"github.com/allape/camworker/metrics"
	"github.com/allape/camworker/preview"
	"github.com/allape/camworker/source"
	"github.com/allape/camworker/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedStatus worker.Status

func (f fixedStatus) Status() worker.Status {
	return worker.Status(f)
}

func newTestServer(channel *control.Channel, options Options) *Server {
	options.Device = "proc_cmr"
	options.Channel = channel
	if options.Worker == nil {
		options.Worker = fixedStatus{Name: "proc_cmr", State: worker.Disconnected}
	}
	return NewServer(options)
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitCommand(t *testing.T) {
	channel := control.NewChannel(1, 1)
	s := newTestServer(channel, Options{})

	rec := do(s, http.MethodPost, "/command", `{"command":"cmd_set_vidsrc","value":"clip.mp4"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	reply := accepted{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))

	msg := <-channel.Inbound()
	assert.Equal(t, reply.ID, msg.ID.String())
	assert.Equal(t, "proc_cmr", msg.Target)
	assert.Equal(t, control.SetSource{Path: "clip.mp4"}, msg.Command)

	// unknown commands are queued, the worker reports them
	rec = do(s, http.MethodPost, "/command", `{"command":"cmd_dance"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(s, http.MethodPost, "/command", `{"command":"cmd_exit"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(s, http.MethodPost, "/command", `{"command":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerStatus(t *testing.T) {
	s := newTestServer(control.NewChannel(1, 1), Options{
		Worker: fixedStatus{Name: "proc_cmr", State: worker.Acquiring, Source: source.File, Path: "clip.mp4", Frames: 3},
	})

	rec := do(s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := worker.Status{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, worker.Acquiring, status.State)
	assert.Equal(t, source.File, status.Source)
	assert.Equal(t, uint64(3), status.Frames)
}

func TestPreview(t *testing.T) {
	store := preview.NewStore(image.Point{X: 64, Y: 48}, time.Millisecond)
	s := newTestServer(control.NewChannel(1, 1), Options{Preview: store})

	rec := do(s, http.MethodGet, "/preview.jpg", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	rec = do(newTestServer(control.NewChannel(1, 1), Options{}), http.MethodGet, "/preview.jpg", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.Backpressure()
	s := newTestServer(control.NewChannel(1, 1), Options{Metrics: m})

	rec := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "camworker_backpressure_total 1")
}

func TestBasicAuth(t *testing.T) {
	s := newTestServer(control.NewChannel(1, 1), Options{Username: "lab", Password: "secret"})

	rec := do(s, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("lab", "secret")
	s.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCors(t *testing.T) {
	s := newTestServer(control.NewChannel(1, 1), Options{Cors: true})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://lab.local")
	s.Router.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebsocket(t *testing.T) {
	channel := control.NewChannel(4, 4)
	s := newTestServer(channel, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	server := httptest.NewServer(s.Router)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"cmd_exit"}`)))
	select {
	case msg := <-channel.Inbound():
		assert.Equal(t, control.Exit{}, msg.Command)
		assert.Equal(t, "proc_cmr", msg.Target)
	case <-time.After(time.Second):
		t.Fatal("command not queued")
	}

	require.Eventually(t, func() bool {
		return s.Hub().Clients() == 1
	}, time.Second, time.Millisecond)

	sent := control.StatusMessage{Device: "proc_cmr", Command: control.MsgError, Value: "proc_cv2", Error: "usb unplugged"}
	require.True(t, channel.Report(sent))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	received := control.StatusMessage{}
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, sent, received)

	cancel()
	require.Eventually(t, func() bool {
		return s.Hub().Clients() == 0
	}, time.Second, time.Millisecond)
}
