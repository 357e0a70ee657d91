package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"nuha.dev/gpsgateway/internal/gateway/command"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/gateway/registry"
	"nuha.dev/gpsgateway/internal/gateway/webstream"
	"nuha.dev/gpsgateway/internal/util"
)

type fakeDevices []registry.Entry

func (f fakeDevices) Snapshot() []registry.Entry { return f }

type fakeViewers []webstream.ViewerInfo

func (f fakeViewers) Viewers() []webstream.ViewerInfo { return f }

type fakeRouter struct {
	known map[string]bool
	err   error
	sent  map[string]string
}

func (f *fakeRouter) Route(_ context.Context, id string, payload []byte) error {
	if !f.known[id] {
		return fmt.Errorf("%w: %s", command.ErrUnknownDevice, id)
	}
	if f.err != nil {
		return f.err
	}
	f.sent[id] = string(payload)
	return nil
}

func newTestApi(t *testing.T, tokenHash string, router *fakeRouter) http.Handler {
	t.Helper()
	ts := time.Date(2024, 3, 15, 12, 34, 56, 0, time.UTC)
	devices := fakeDevices{{IMEI: "123", Cid: 4, RemoteAddr: "10.0.0.1:4000", LastReport: device.Report{IMEI: "123", Timestamp: ts}, LastSeen: ts}}
	viewers := fakeViewers{{Seq: 1, ID: "uuid-1", RemoteAddr: "10.0.0.2:5000", Since: ts, Pushed: 7}}
	m, err := NewMonApi(devices, viewers, router, &MonitoringConfig{TokenHash: tokenHash, IdSalt: "test-salt"})
	require.NoError(t, err)
	return m.GetHandler()
}

func do(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthzAndMetricsAreOpen(t *testing.T) {
	hash, err := util.HashToken("tok", bcrypt.MinCost)
	require.NoError(t, err)
	h := newTestApi(t, hash, &fakeRouter{})
	assert.Equal(t, http.StatusOK, do(h, "GET", "/healthz", "", "").Code)
	w := do(h, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gpsgw_")
}

func TestAuthRequired(t *testing.T) {
	hash, err := util.HashToken("tok", bcrypt.MinCost)
	require.NoError(t, err)
	h := newTestApi(t, hash, &fakeRouter{})
	assert.Equal(t, http.StatusUnauthorized, do(h, "GET", "/devices", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, "GET", "/devices", "", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(h, "GET", "/devices", "", "tok").Code)
}

func TestListDevices(t *testing.T) {
	h := newTestApi(t, "", &fakeRouter{})
	w := do(h, "GET", "/devices", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out []registry.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "123", out[0].IMEI)
	assert.Equal(t, "10.0.0.1:4000", out[0].RemoteAddr)
}

func TestListViewersUsesHashedSession(t *testing.T) {
	h := newTestApi(t, "", &fakeRouter{})
	w := do(h, "GET", "/viewers", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out []viewerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.GreaterOrEqual(t, len(out[0].Session), 8)
	assert.NotContains(t, w.Body.String(), "uuid-1")
	assert.Equal(t, uint64(7), out[0].Pushed)
}

func TestSendCommand(t *testing.T) {
	router := &fakeRouter{known: map[string]bool{"123": true}, sent: map[string]string{}}
	h := newTestApi(t, "", router)

	w := do(h, "POST", "/devices/123/command", `{"command":"**,imei:123,C,01m"}`, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "**,imei:123,C,01m", router.sent["123"])

	assert.Equal(t, http.StatusNotFound, do(h, "POST", "/devices/999/command", `{"command":"x"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/devices/123/command", `{}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/devices/123/command", `nope`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/devices/bad%20imei/command", `{"command":"x"}`, "").Code)

	router.err = errors.New("broken pipe")
	assert.Equal(t, http.StatusBadGateway, do(h, "POST", "/devices/123/command", `{"command":"x"}`, "").Code)
}
