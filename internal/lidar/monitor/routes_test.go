package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sweeplidar/internal/lidar"
	"github.com/banshee-data/sweeplidar/internal/monitoring"
)

type fakeSource struct {
	mu     sync.Mutex
	latest lidar.Snapshot
	subs   map[string]chan lidar.Snapshot
	next   int
}

func newFakeSource() *fakeSource {
	agg := lidar.NewScanAggregator(lidar.ProtocolFixed, nil)
	return &fakeSource{latest: agg.Snapshot(), subs: make(map[string]chan lidar.Snapshot)}
}

func (f *fakeSource) Latest() lidar.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *fakeSource) Subscribe() (string, <-chan lidar.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("sub-%d", f.next)
	ch := make(chan lidar.Snapshot, 4)
	f.subs[id] = ch
	return id, ch
}

func (f *fakeSource) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) set(rev uint64, ms ...lidar.Measurement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slots := make([]lidar.Slot, lidar.FixedSlots)
	for _, m := range ms {
		slots[m.Angle] = lidar.Slot{Measurement: m, Valid: true}
	}
	f.latest = lidar.Snapshot{Protocol: lidar.ProtocolFixed, Revision: rev, Slots: slots}
	for _, ch := range f.subs {
		ch <- f.latest
	}
}

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestScanPage(t *testing.T) {
	src := newFakeSource()
	src.set(7, lidar.Measurement{Angle: 0, Distance: 1200}, lidar.Measurement{Angle: 90, Distance: 800})

	mux := http.NewServeMux()
	AttachAdminRoutes(mux, src, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/scan"))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "fixed scan")
	assert.Contains(t, body, `<td id="revision">7</td>`)
	assert.Contains(t, body, "0.6%")
	assert.Contains(t, body, "1000.0")
	assert.Contains(t, body, `src="/debug/scan-polar"`)
}

func TestScanPage_TemplateError(t *testing.T) {
	src := newFakeSource()
	tp := NewMockTemplateProvider(nil)
	tp.ExecuteError = errors.New("boom")

	mux := http.NewServeMux()
	NewRoutes(src, nil).WithTemplates(tp).Attach(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/scan"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, tp.ExecuteCalls, 1)
	assert.Equal(t, "scan.html.tmpl", tp.ExecuteCalls[0].Name)
}

func TestScanPage_MockTemplate(t *testing.T) {
	src := newFakeSource()
	src.set(3, lidar.Measurement{Angle: 5, Distance: 10})
	tp := NewMockTemplateProvider(map[string]string{
		"scan.html.tmpl": `{{.Protocol}} r{{.Summary.Revision}} {{percent .Summary.Coverage}}`,
	})

	mux := http.NewServeMux()
	NewRoutes(src, nil).WithTemplates(tp).Attach(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/scan"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fixed r3 0.3%", w.Body.String())
}

func TestScanJSON(t *testing.T) {
	src := newFakeSource()
	src.set(2, lidar.Measurement{Angle: 1, Distance: 500, Intensity: 9})

	mux := http.NewServeMux()
	AttachAdminRoutes(mux, src, nil)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"current", http.MethodGet, "/debug/scan.json", http.StatusOK},
		{"newer than since", http.MethodGet, "/debug/scan.json?since=1", http.StatusOK},
		{"not modified", http.MethodGet, "/debug/scan.json?since=2", http.StatusNotModified},
		{"bad since", http.MethodGet, "/debug/scan.json?since=x", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/debug/scan.json", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, localHostRequest(tt.method, tt.path))
			assert.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}
			var got struct {
				Snapshot lidar.Snapshot `json:"snapshot"`
				Summary  lidar.Summary  `json:"summary"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, uint64(2), got.Snapshot.Revision)
			assert.True(t, got.Snapshot.Slots[1].Valid)
			assert.Equal(t, uint16(500), got.Snapshot.Slots[1].Distance)
			assert.Equal(t, 1, got.Summary.Valid)
		})
	}
}

func TestScanTailJS(t *testing.T) {
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, newFakeSource(), nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/scan-tail.js"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "EventSource")
}

func TestScanTail_SSE(t *testing.T) {
	src := newFakeSource()
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, src, nil)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/debug/scan-tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	require.True(t, scanner.Scan())
	assert.True(t, strings.HasPrefix(scanner.Text(), ": ping"))

	require.Eventually(t, func() bool { return src.subscribers() == 1 }, time.Second, time.Millisecond)
	src.set(4, lidar.Measurement{Angle: 359, Distance: 42})

	var msg tailMessage
	found := false
	for i := 0; i < 5 && scanner.Scan(); i++ {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
		found = true
		break
	}
	require.True(t, found, "did not receive SSE data event")
	assert.Equal(t, uint64(4), msg.Summary.Revision)
	require.Len(t, msg.Distances, lidar.FixedSlots)
	assert.Equal(t, 42, msg.Distances[359])
	assert.Equal(t, -1, msg.Distances[0])

	cancel()
	require.Eventually(t, func() bool { return src.subscribers() == 0 }, time.Second, time.Millisecond)
}

func TestScanTail_MethodNotAllowed(t *testing.T) {
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, newFakeSource(), nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/scan-tail"))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestScanMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := monitoring.NewMetrics(reg)
	require.NoError(t, err)
	metrics.FrameDecoded("fixed", 3)
	metrics.FrameError("fixed", "invalid_frame")

	mux := http.NewServeMux()
	AttachAdminRoutes(mux, newFakeSource(), reg)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/scan-metrics"))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `sweeplidar_frames_decoded_total{protocol="fixed"} 1`)
	assert.Contains(t, body, `sweeplidar_frame_errors_total{kind="invalid_frame",protocol="fixed"} 1`)
	assert.Contains(t, body, `sweeplidar_scan_revision{protocol="fixed"} 3`)
}

func TestScanMetrics_NotMountedWithoutGatherer(t *testing.T) {
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, newFakeSource(), nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/scan-metrics"))
	assert.NotEqual(t, http.StatusOK, w.Code)
}

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "0.0%", formatPercent(0))
	assert.Equal(t, "50.0%", formatPercent(0.5))
	assert.Equal(t, "100.0%", formatPercent(1))
}

func TestPolarPoints(t *testing.T) {
	src := newFakeSource()
	src.set(1,
		lidar.Measurement{Angle: 0, Distance: 100, Intensity: 7},
		lidar.Measurement{Angle: 90, Distance: 200},
		lidar.Measurement{Angle: 180, Distance: 50},
	)

	points := polarPoints(src.Latest())
	require.Len(t, points, 3)

	assert.Equal(t, 0, points[0].Slot)
	assert.InDelta(t, 100, points[0].X, 1e-9)
	assert.InDelta(t, 0, points[0].Y, 1e-9)
	assert.Equal(t, uint16(7), points[0].Intensity)

	assert.InDelta(t, 0, points[1].X, 1e-9)
	assert.InDelta(t, 200, points[1].Y, 1e-9)

	assert.InDelta(t, -50, points[2].X, 1e-9)
	assert.InDelta(t, 0, points[2].Y, 1e-9)
}

func TestPolarPoints_VariableSlotsSpanFullTurn(t *testing.T) {
	slots := make([]lidar.Slot, lidar.VariableSlots)
	slots[40] = lidar.Slot{Measurement: lidar.Measurement{Angle: 40, Distance: 10}, Valid: true}
	points := polarPoints(lidar.Snapshot{Protocol: lidar.ProtocolVariable, Revision: 1, Slots: slots})

	// 40 of 160 slots is a quarter turn.
	require.Len(t, points, 1)
	assert.InDelta(t, 0, points[0].X, 1e-9)
	assert.InDelta(t, 10, points[0].Y, 1e-9)
}

func TestScanPolar(t *testing.T) {
	src := newFakeSource()
	src.set(5, lidar.Measurement{Angle: 45, Distance: 300, Intensity: 12})

	mux := http.NewServeMux()
	AttachAdminRoutes(mux, src, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/scan-polar"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	body := w.Body.String()
	assert.Contains(t, body, "Scan polar view")
	assert.Contains(t, body, "echarts")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/scan-polar"))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestScanPolar_EmptyScan(t *testing.T) {
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, newFakeSource(), nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/scan-polar"))
	assert.Equal(t, http.StatusOK, w.Code)
}
