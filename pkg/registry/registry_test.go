package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ryandielhenn/svcreg/pkg/transport"
)

func newTestRegistry(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tc, err := transport.New(transport.Config{BaseURL: srv.URL + "/v1.0/", Tenant: "t1", Token: "tok"})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	return New(tc)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	b, _ := io.ReadAll(r.Body)
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Errorf("request body %q: %v", b, err)
	}
	return m
}

func TestSessionsCreateAndHeartbeat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/t1/sessions", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["heartbeat_timeout"] != float64(15) {
			t.Errorf("heartbeat_timeout = %v", body["heartbeat_timeout"])
		}
		if body["metadata"] == nil {
			t.Errorf("payload metadata dropped")
		}
		w.Header().Set("Location", "http://registry/v1.0/t1/sessions/seabc")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"tok-0"}`))
	})
	mux.HandleFunc("POST /v1.0/t1/sessions/seabc/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if got := decodeBody(t, r)["token"]; got != "tok-0" {
			t.Errorf("heartbeat token = %v", got)
		}
		w.Write([]byte(`{"token":"tok-1"}`))
	})
	c := newTestRegistry(t, mux)

	payload := map[string]any{"metadata": map[string]string{"k": "v"}}
	s, err := c.Sessions.Create(context.Background(), 15, payload)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID != "seabc" || s.Token != "tok-0" || s.HeartbeatTimeout != 15 {
		t.Fatalf("Create = %+v", s)
	}
	if _, ok := payload["heartbeat_timeout"]; ok {
		t.Fatalf("Create mutated the caller's payload")
	}

	next, err := c.Sessions.Heartbeat(context.Background(), s.ID, s.Token)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if next != "tok-1" {
		t.Fatalf("next token = %q, want tok-1", next)
	}
}

func TestSessionsCreateRejectsBadTimeout(t *testing.T) {
	c := New(nil)
	if _, err := c.Sessions.Create(context.Background(), 0, nil); err == nil {
		t.Fatalf("Create(0) should fail")
	}
}

func TestHeartbeatNotFoundKeepsStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/t1/sessions/gone/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"type":"objectDoesNotExist","code":404,"message":"Object \"Session\" with key \"gone\" does not exist"}`))
	})
	c := newTestRegistry(t, mux)

	_, err := c.Sessions.Heartbeat(context.Background(), "gone", "x")
	var ae *APIError
	if !errors.As(err, &ae) || ae.Type != "objectDoesNotExist" {
		t.Fatalf("err = %v, want *APIError objectDoesNotExist", err)
	}
	if !transport.IsStatus(err, http.StatusNotFound) {
		t.Fatalf("404 status lost through APIError wrapping: %v", err)
	}
}

func TestServicesCreateConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/t1/services", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["id"] != "api-1" || body["session_id"] != "se1" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"type":"serviceWithThisIdExists","code":409,"message":"Service with this id already exists"}`))
	})
	c := newTestRegistry(t, mux)

	_, err := c.Services.Create(context.Background(), "se1", "api-1", nil)
	if !IsServiceExists(err) {
		t.Fatalf("IsServiceExists(%v) = false", err)
	}
}

func TestServicesCreateReturnsLocation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/t1/services", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v1.0/t1/services/api-1")
		w.WriteHeader(http.StatusCreated)
	})
	c := newTestRegistry(t, mux)

	loc, err := c.Services.Create(context.Background(), "se1", "api-1", map[string]any{"tags": []string{"www"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if loc != "/v1.0/t1/services/api-1" {
		t.Fatalf("location = %q", loc)
	}
}

func TestEventsListPassesMarker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.0/t1/events", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("marker"); got != "e5" {
			t.Errorf("marker = %q, want e5", got)
		}
		w.Write([]byte(`{"values":[
			{"id":"e5","timestamp":1,"type":"service.join","payload":{"id":"a"}},
			{"id":"e6","timestamp":2,"type":"services.timeout","payload":[{"id":"a"}]}
		],"metadata":{"count":2}}`))
	})
	c := newTestRegistry(t, mux)

	events, err := c.Events.List(context.Background(), "e5", ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 || events[0].ID != "e5" || events[1].Type != EventServicesTimeout {
		t.Fatalf("events = %+v", events)
	}
}

func TestServicesListForTagAndLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1.0/t1/services", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("tag") != "db" || q.Get("limit") != "10" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"values":[{"id":"db-1","session_id":"se1","tags":["db"]}]}`))
	})
	c := newTestRegistry(t, mux)

	svcs, err := c.Services.ListForTag(context.Background(), "db", ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListForTag: %v", err)
	}
	if len(svcs) != 1 || svcs[0].ID != "db-1" {
		t.Fatalf("services = %+v", svcs)
	}
}

func TestConfigurationRoundTrip(t *testing.T) {
	stored := ""
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1.0/t1/configuration/feature", func(w http.ResponseWriter, r *http.Request) {
		stored, _ = decodeBody(t, r)["value"].(string)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1.0/t1/configuration/feature", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ConfigurationValue{ID: "feature", Value: stored})
	})
	mux.HandleFunc("DELETE /v1.0/t1/configuration/feature", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestRegistry(t, mux)
	ctx := context.Background()

	if err := c.Configuration.Set(ctx, "feature", "on"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := c.Configuration.Get(ctx, "feature")
	if err != nil || v != "on" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if err := c.Configuration.Remove(ctx, "feature"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestIDFromLocation(t *testing.T) {
	for in, want := range map[string]string{
		"http://x/v1.0/t/sessions/se1": "se1",
		"/v1.0/t/sessions/se2":         "se2",
		"se3":                          "se3",
		"":                             "",
	} {
		if got := idFromLocation(in); got != want {
			t.Fatalf("idFromLocation(%q) = %q, want %q", in, got, want)
		}
	}
}
