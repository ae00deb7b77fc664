package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExportsEngineMetrics(t *testing.T) {
	IncrementRefresh("success")
	IncrementStreamFrame("ticker")
	IncrementDecodeError()
	SetKillSwitch(true)
	SetBotRunning(false)
	SetMarkets(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`marketsync_refresh_total{result="success"}`,
		`marketsync_stream_frames_total{type="ticker"}`,
		"marketsync_decode_errors_total",
		"marketsync_kill_switch_active 1",
		"marketsync_bot_running 0",
		"marketsync_markets 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}
