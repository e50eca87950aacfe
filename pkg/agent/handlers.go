package agent

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ryandielhenn/svcreg/internal/telemetry"
	"github.com/ryandielhenn/svcreg/pkg/session"
)

// Healthz returns 200 OK while the process is alive.
func (a *Agent) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Readyz returns 200 only while the session is heartbeating and the service
// is registered.
func (a *Agent) Readyz(w http.ResponseWriter, _ *http.Request) {
	if a.Heartbeat() != session.StateRunning || a.Location() == "" {
		http.Error(w, "not registered", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type Status struct {
	PID       int       `json:"pid"`
	Now       time.Time `json:"now"`
	Uptime    string    `json:"uptime"`
	ServiceID string    `json:"service_id"`
	SessionID string    `json:"session_id,omitempty"`
	Location  string    `json:"location,omitempty"`
	Heartbeat string    `json:"heartbeat"`
	Sessions  int       `json:"sessions"`
	Marker    string    `json:"marker,omitempty"`
	Members   int       `json:"members"`
	Clients   int       `json:"stream_clients"`
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	st := Status{
		PID:       os.Getpid(),
		Now:       a.clock.Now(),
		ServiceID: a.cfg.ServiceID,
		SessionID: a.sessionID,
		Location:  a.location,
		Sessions:  a.sessions,
	}
	a.mu.Unlock()

	st.Uptime = a.clock.Since(a.created).Truncate(time.Second).String()
	st.Heartbeat = a.Heartbeat().String()
	if a.poller != nil {
		st.Marker = a.poller.Marker()
	}
	st.Members = a.members.Len()
	st.Clients = a.hub.ClientCount()
	return st
}

// Info writes Status as JSON.
func (a *Agent) Info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.Status())
}

// MembersHandler lists the membership view. With ?key= it returns the member
// owning that key, or with ?key=&n= up to n members for it. With ?id= it
// returns that member's address.
func (a *Agent) MembersHandler(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if id := q.Get("id"); id != "" {
		addr, ok := a.members.Address(id)
		if !ok {
			http.Error(w, "unknown member", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"id": id, "address": addr})
		return
	}
	if key := q.Get("key"); key != "" && q.Has("n") {
		n, err := strconv.Atoi(q.Get("n"))
		if err != nil || n <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		writeJSON(w, a.members.LookupN(key, n))
		return
	}
	if key := q.Get("key"); key != "" {
		m, ok := a.members.Lookup(key)
		if !ok {
			http.Error(w, "no members", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, m)
		return
	}
	writeJSON(w, a.members.Members())
}

// Routes wires every agent endpoint on a new mux.
func (a *Agent) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.Healthz)
	mux.HandleFunc("/readyz", a.Readyz)
	mux.HandleFunc("/info", a.Info)
	mux.HandleFunc("/members", a.MembersHandler)
	mux.Handle("/events", a.hub)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
