package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_Get_DecodesGzip(t *testing.T) {
	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	gw.Write([]byte(`{"hello":"world"}`))
	gw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok123" {
			t.Errorf("Authorization header = %q, want Bearer tok123", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gzBuf.Bytes())
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok123", "", "", 5*time.Second, 5*time.Second, 3)
	resp, err := c.Get(context.Background(), "/rest/items")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(resp.Body) != `{"hello":"world"}` {
		t.Errorf("Body = %q, want decoded JSON", resp.Body)
	}
}

func TestClient_Get_BasicAuthFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "hunter2" {
			t.Errorf("BasicAuth() = %q/%q/%v, want admin/hunter2/true", user, pass, ok)
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "admin", "hunter2", 5*time.Second, 5*time.Second, 3)
	if _, err := c.Get(context.Background(), "/rest/items"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestClient_SendCommand(t *testing.T) {
	var gotPath, gotBody, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		buf := make([]byte, 32)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", "", 5*time.Second, 5*time.Second, 3)
	if _, err := c.SendCommand(context.Background(), "Kitchen_Light", "ON"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if gotPath != "/rest/items/Kitchen_Light" {
		t.Errorf("path = %q, want /rest/items/Kitchen_Light", gotPath)
	}
	if gotBody != "ON" {
		t.Errorf("body = %q, want ON", gotBody)
	}
	if gotContentType != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", gotContentType)
	}
}

func TestClient_LongPollGet_TrackingHeader(t *testing.T) {
	var gotTracking string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTracking = r.Header.Get("X-Atmosphere-tracking-id")
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", "", 5*time.Second, 5*time.Second, 3)
	if _, err := c.LongPollGet(context.Background(), "/rest/sitemaps/home/home", "abc-123"); err != nil {
		t.Fatalf("LongPollGet() error = %v", err)
	}
	if gotTracking != "abc-123" {
		t.Errorf("tracking header = %q, want abc-123", gotTracking)
	}
}
