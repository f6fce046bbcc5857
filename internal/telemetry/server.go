package telemetry

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/presence.field/internal/health"
	"github.com/banshee-data/presence.field/internal/httputil"
	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/version"
)

const (
	// DefaultPushInterval is the websocket push period when none is given.
	DefaultPushInterval = 100 * time.Millisecond

	wsWriteWait = 2 * time.Second
)

// Server serves the telemetry surface for one Source.
type Server struct {
	src      Source
	push     time.Duration
	upgrader websocket.Upgrader
	metrics  http.Handler
}

// NewServer returns a Server pushing websocket snapshots every push interval.
func NewServer(src Source, push time.Duration) *Server {
	if push <= 0 {
		push = DefaultPushInterval
	}
	return &Server{
		src:  src,
		push: push,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			// Telemetry is read-only and served on the venue network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics: promhttp.Handler(),
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/sensors", s.handleSensors)
	mux.HandleFunc("/api/bodies", s.handleBodies)
	mux.HandleFunc("/api/blackout", s.handleBlackout)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/dashboard", s.handleDashboard)
	mux.Handle("/metrics", s.metrics)
	return mux
}

// snapshot returns the latest snapshot or writes a 503 and returns nil.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) *Snapshot {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return nil
	}
	snap := s.src.Snapshot()
	if snap == nil {
		httputil.Unavailable(w, "no tick has completed yet")
		return nil
	}
	return snap
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if snap := s.snapshot(w, r); snap != nil {
		httputil.WriteJSONOK(w, snap)
	}
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if snap := s.snapshot(w, r); snap != nil {
		httputil.WriteJSONOK(w, snap.Sensors)
	}
}

func (s *Server) handleBodies(w http.ResponseWriter, r *http.Request) {
	if snap := s.snapshot(w, r); snap != nil {
		bodies := snap.Bodies
		if bodies == nil {
			bodies = []BodyView{}
		}
		httputil.WriteJSONOK(w, bodies)
	}
}

// handleBlackout is the only mutating endpoint. The request is latched and
// takes effect at the next tick; repeated requests are harmless.
func (s *Server) handleBlackout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	reason := strings.TrimSpace(r.FormValue("reason"))
	if reason == "" {
		reason = "operator"
	}
	if len(reason) > 128 {
		httputil.BadRequest(w, "reason too long")
		return
	}
	monitoring.Logf("[telemetry] blackout requested from %s: %s", r.RemoteAddr, reason)
	s.src.TriggerBlackout(reason)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "blackout requested",
		"reason": reason,
	})
}

// handleWebsocket pushes each new snapshot to the client at the push rate.
// Snapshots produced between pushes are skipped, so a slow client only ever
// sees the latest state.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("[telemetry] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Reader goroutine only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.push)
	defer ticker.Stop()

	var lastTick uint64
	sent := false
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			snap := s.src.Snapshot()
			if snap == nil || (sent && snap.Tick == lastTick) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				monitoring.Logf("[telemetry] websocket write failed: %v", err)
				return
			}
			lastTick, sent = snap.Tick, true
		}
	}
}

// healthLevel maps a sensor state onto a bar height for the dashboard.
func healthLevel(st health.State) int {
	switch st {
	case health.Nominal:
		return 2
	case health.Degraded:
		return 1
	default:
		return 0
	}
}

// handleDashboard renders the current output values, the floor plan of
// tracked bodies and sensor health as one go-echarts page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w, r)
	if snap == nil {
		return
	}
	subtitle := fmt.Sprintf("tick=%d mode=%s complexity=%.2f", snap.Tick, snap.Failsafe.Mode, snap.Failsafe.Complexity)

	outputs := charts.NewBar()
	outputs.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Presence Field", Theme: "dark", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Output Parameters", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	var names []string
	var values []opts.BarData
	if snap.Frame != nil {
		names = snap.Frame.Names()
		for _, n := range names {
			values = append(values, opts.BarData{Value: snap.Frame.Values[n]})
		}
	}
	outputs.SetXAxis(names).AddSeries("value", values,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)

	floor := charts.NewScatter()
	floor.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "100%", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{Title: "Tracked Bodies", Subtitle: fmt.Sprintf("count=%d", len(snap.Bodies))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Z (m)", NameLocation: "middle", NameGap: 30}),
	)
	pts := make([]opts.ScatterData, 0, len(snap.Bodies))
	for _, b := range snap.Bodies {
		pts = append(pts, opts.ScatterData{
			Name:  b.ID,
			Value: []interface{}{b.Position.X, b.Position.Z, b.Confidence},
		})
	}
	floor.AddSeries("bodies", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))

	sensors := charts.NewBar()
	sensors.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sensor Health", Subtitle: "2 nominal, 1 degraded, 0 lost"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 2}),
	)
	ids := make([]string, 0, len(snap.Sensors))
	levels := make([]opts.BarData, 0, len(snap.Sensors))
	for _, sh := range snap.Sensors {
		ids = append(ids, sh.SensorID)
		levels = append(levels, opts.BarData{Name: string(sh.State), Value: healthLevel(sh.State)})
	}
	sensors.SetXAxis(ids).AddSeries("health", levels)

	page := components.NewPage()
	page.SetPageTitle("Presence Field")
	page.AddCharts(outputs, floor, sensors)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
