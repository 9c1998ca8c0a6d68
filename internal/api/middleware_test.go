package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/internal/metrics"
	"agentrouter/pkg/logger"
)

func TestInstrument_RecoversPanics(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /boom/{id}", func(http.ResponseWriter, *http.Request) { panic("nil profile") })

	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET /boom/{id}", "500"))

	rec := httptest.NewRecorder()
	instrument(mux, logger.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom/42", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal error", body.Error)

	after := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET /boom/{id}", "500"))
	assert.Equal(t, before+1, after, "labelled by pattern, not by path")
}

func TestInstrument_UnmatchedRoutes(t *testing.T) {
	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("unmatched", "404"))

	rec := httptest.NewRecorder()
	instrument(http.NewServeMux(), logger.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("unmatched", "404")))
}

func TestInstrument_AllowsWebsocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
	})

	srv := httptest.NewServer(instrument(mux, logger.Nop()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
}
