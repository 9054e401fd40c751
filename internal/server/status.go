package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/capabilities-gateway/pkg/executor"
	"github.com/morezero/capabilities-gateway/pkg/gateway"
	"github.com/morezero/capabilities-gateway/pkg/host"
)

// toolRow is one line of the tools table.
type toolRow struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// statusReport is served by /ready and rendered on the home page.
type statusReport struct {
	Status         string                 `json:"status"`
	Executor       string                 `json:"executor"`
	GatewayRunning bool                   `json:"gatewayRunning"`
	GatewayAddr    string                 `json:"gatewayAddr,omitempty"`
	Host           host.Status            `json:"host"`
	Timestamp      string                 `json:"timestamp"`
	Tools          []toolRow              `json:"-"`
	Clients        []gateway.ClientRecord `json:"-"`
}

// StatusHandler serves the operator endpoints on the status listener.
func (s *Server) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		rep := s.report()
		code := http.StatusOK
		if rep.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.toolRows(r))
	})
	mux.HandleFunc("/clients", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.clients.Snapshot())
	})
	mux.HandleFunc("/clients/sweep", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		removed := s.clients.Sweep(s.cfg.ClientSweepIdle)
		slog.Info(fmt.Sprintf("%s - Client sweep removed %d idle entries", logPrefix, removed))
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	})
	return mux
}

// report gathers readiness: the executor is installed, the gateway is up and
// no play-mode transition is in progress.
func (s *Server) report() statusReport {
	st := s.loop.Status()
	rep := statusReport{
		Executor:       s.boot.State().String(),
		GatewayRunning: s.gw.Running(),
		Host:           st,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	if rep.GatewayRunning {
		rep.GatewayAddr = s.gw.Addr()
	}
	switch {
	case s.boot.State() != executor.StateInstalled:
		rep.Status = "starting"
	case st.Transitioning:
		rep.Status = "transitioning"
	case !rep.GatewayRunning:
		rep.Status = "stopped"
	default:
		rep.Status = "ready"
	}
	return rep
}

func (s *Server) toolRows(r *http.Request) []toolRow {
	all := s.reg.All(r.Context())
	rows := make([]toolRow, 0, len(all))
	for _, d := range all {
		rows = append(rows, toolRow{Name: d.Name, Description: d.Description, Enabled: d.Enabled})
	}
	return rows
}

// homePageTemplate is the HTML for the gateway status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Capabilities Gateway</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-ready { color: #0066cc; font-weight: bold; }
    .status-starting, .status-transitioning, .status-stopped { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Capabilities Gateway</h1>
  <p class="meta">Host loop, tools and connected clients.</p>

  <section>
    <h2>Status</h2>
    <p>Status: <span class="status-{{.Status}}">{{.Status}}</span></p>
    <p>Executor: <span class="stat">{{.Executor}}</span>, queue depth {{.Host.QueueDepth}}</p>
    <p>Gateway: {{if .GatewayRunning}}<span class="stat">listening on {{.GatewayAddr}}</span>{{else}}stopped{{end}}</p>
    <p>Playing: {{.Host.Playing}}{{if .Host.Transitioning}} (transition {{.Host.Transition}} in progress){{end}}</p>
    <p>Host iterations: {{.Host.Iterations}}</p>
    <p>Timestamp: {{.Timestamp}}</p>
  </section>

  <section>
    <h2>Tools</h2>
    {{if not .Tools}}
    <p>No tools registered.</p>
    {{else}}
    <table>
      <thead><tr><th>Name</th><th>Description</th><th>Enabled</th></tr></thead>
      <tbody>
        {{range .Tools}}
        <tr><td>{{.Name}}</td><td>{{.Description}}</td><td>{{if .Enabled}}yes{{else}}no{{end}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Clients</h2>
    {{if not .Clients}}
    <p>No recent clients.</p>
    {{else}}
    <table>
      <thead><tr><th>Address</th><th>User agent</th><th>Requests</th><th>Last method</th><th>Last seen</th></tr></thead>
      <tbody>
        {{range .Clients}}
        <tr><td>{{.Key}}</td><td>{{.UserAgent}}</td><td>{{.RequestCount}}</td><td>{{.LastMethod}}</td><td>{{.LastSeen.Format "15:04:05"}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := s.report()
		data.Tools = s.toolRows(r)
		data.Clients = s.clients.Snapshot()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
	}
}
