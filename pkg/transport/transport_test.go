package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/v1.0/", Tenant: "7777", Token: "tok", Persistent: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestDoBuildsURLAndHeaders(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/7777/sessions/abc/heartbeat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("marker"); got != "m1" {
			t.Errorf("marker = %q, want m1", got)
		}
		if got := r.Header.Get("X-Auth-Token"); got != "tok" {
			t.Errorf("X-Auth-Token = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("X-Extra"); got != "1" {
			t.Errorf("X-Extra = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"token":"t0"}` {
			t.Errorf("body = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"t1"}`))
	})

	resp, err := c.Do(context.Background(), Request{
		Method:         http.MethodPost,
		Path:           "/sessions/abc/heartbeat",
		Query:          url.Values{"marker": {"m1"}},
		Header:         http.Header{"X-Extra": {"1"}},
		Body:           map[string]string{"token": "t0"},
		ExpectedStatus: http.StatusOK,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Token != "t1" {
		t.Fatalf("token = %q, want t1", out.Token)
	}
}

func TestDoUnexpectedStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"type":"objectDoesNotExist","code":404}`))
	})

	_, err := c.Do(context.Background(), Request{Path: "/sessions/x", ExpectedStatus: http.StatusOK})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound {
		t.Fatalf("Code = %d, want 404", se.Code)
	}
	if !strings.Contains(string(se.Body), "objectDoesNotExist") {
		t.Fatalf("Body = %s", se.Body)
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("IsStatus(404) = false")
	}
}

func TestDoExpectedStatusMustMatchExactly(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if _, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/services", ExpectedStatus: http.StatusCreated}); !IsStatus(err, http.StatusOK) {
		t.Fatalf("err = %v, want status 200 mismatch", err)
	}
	if _, err := c.Do(context.Background(), Request{Path: "/services"}); err != nil {
		t.Fatalf("any 2xx: %v", err)
	}
}

func TestDoTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL + "/"
	srv.Close()

	c, err := New(Config{BaseURL: base, Timeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Do(context.Background(), Request{Path: "limits"})
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *Error", err)
	}
}

func TestDoRejectsNonJSONBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	if _, err := c.Do(context.Background(), Request{Path: "/limits"}); err == nil {
		t.Fatalf("expected error for non-JSON body")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("New with empty BaseURL should fail")
	}
}

func TestCurlCommandMasksToken(t *testing.T) {
	h := http.Header{}
	h.Set("X-Auth-Token", "secret")
	h.Set("Content-Type", "application/json")

	got := CurlCommand("POST", "http://x/v1.0/t/services", h, []byte(`{"id":"it's"}`))
	if strings.Contains(got, "secret") {
		t.Fatalf("token leaked: %s", got)
	}
	want := `curl -i -X POST -H 'Content-Type: application/json' -H 'X-Auth-Token: ***' --data-binary '{"id":"it'\''s"}' 'http://x/v1.0/t/services'`
	if got != want {
		t.Fatalf("CurlCommand =\n%s\nwant\n%s", got, want)
	}
}
