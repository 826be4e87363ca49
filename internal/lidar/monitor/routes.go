// Package monitor serves the live scan, its tail stream and the decode
// metrics on the tsweb debug handler.
package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sweeplidar/internal/lidar"
)

// Routes holds what the debug handlers read from.
type Routes struct {
	source    lidar.SnapshotSource
	gatherer  prometheus.Gatherer
	templates TemplateProvider
}

// NewRoutes creates handlers reading snapshots from source. gatherer may be
// nil, in which case no metrics route is mounted.
func NewRoutes(source lidar.SnapshotSource, gatherer prometheus.Gatherer) *Routes {
	return &Routes{
		source:    source,
		gatherer:  gatherer,
		templates: NewEmbeddedTemplateProvider(assetsFS, "assets"),
	}
}

// WithTemplates replaces the template provider.
func (rt *Routes) WithTemplates(tp TemplateProvider) *Routes {
	rt.templates = tp
	return rt
}

// AttachAdminRoutes mounts the scan routes on the debug handler of mux.
func AttachAdminRoutes(mux *http.ServeMux, source lidar.SnapshotSource, gatherer prometheus.Gatherer) {
	NewRoutes(source, gatherer).Attach(mux)
}

// tailMessage is one scan-tail event.
type tailMessage struct {
	Summary   lidar.Summary `json:"summary"`
	Distances []int         `json:"distances"`
}

type scanPage struct {
	Protocol lidar.Protocol
	Summary  lidar.Summary
}

// Attach mounts the routes on the debug handler of mux.
func (rt *Routes) Attach(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("scan", "live scan view", rt.handleScan)
	debug.HandleSilentFunc("scan.json", rt.handleScanJSON)
	debug.HandleSilentFunc("scan-polar", rt.handleScanPolar)
	debug.HandleSilentFunc("scan-tail", rt.handleTail)
	debug.HandleSilentFunc("scan-tail.js", rt.handleTailJS)

	if rt.gatherer != nil {
		debug.Handle("scan-metrics", "decoder metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}
}

func (rt *Routes) handleScan(w http.ResponseWriter, r *http.Request) {
	snap := rt.source.Latest()
	buf := bytes.NewBuffer(nil)
	page := scanPage{Protocol: snap.Protocol, Summary: lidar.Summarize(snap)}
	if err := rt.templates.ExecuteTemplate(buf, "scan.html.tmpl", page); err != nil {
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.Copy(w, buf)
}

func (rt *Routes) handleScanJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := rt.source.Latest()
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid since", http.StatusBadRequest)
			return
		}
		if snap.Revision <= since {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Snapshot lidar.Snapshot `json:"snapshot"`
		Summary  lidar.Summary  `json:"summary"`
	}{snap, lidar.Summarize(snap)})
}

// handleTail issues Server-Sent Events, one per new snapshot.
func (rt *Routes) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := rt.source.Subscribe()
	defer rt.source.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case snap, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(tailMessage{Summary: lidar.Summarize(snap), Distances: snap.Distances()})
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (rt *Routes) handleTailJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")

	f, err := assetsFS.Open("assets/scan-tail.js")
	if err != nil {
		http.Error(w, "Failed to open scan-tail.js", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	io.Copy(w, f)
}

func formatPercent(f float64) string {
	return strconv.FormatFloat(f*100, 'f', 1, 64) + "%"
}
