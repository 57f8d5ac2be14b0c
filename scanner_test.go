package portwatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func jsonHandler(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write([]byte(`{}`))
	}
}

func TestScannerFindsFirstEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/api/v2/app/version", jsonHandler(200))
	mux.Handle("/api/status", jsonHandler(200))

	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewScanner(0)
	found, endpoint := s.Scan(context.Background(), srv.URL)

	if !found {
		t.Fatal("expected an endpoint to be found")
	}
	// both answer, the earlier candidate wins
	if endpoint != "/api/v2/app/version" {
		t.Errorf("expected /api/v2/app/version, got %s", endpoint)
	}
}

// A bare 401 counts as an API indicator even without a JSON body.
func TestScannerAcceptsUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewScanner(0)
	found, endpoint := s.Scan(context.Background(), srv.URL)

	if !found || endpoint != "/api" {
		t.Errorf("expected /api via 401, got found=%t endpoint=%s", found, endpoint)
	}
}

// HTML only counts on documentation paths. A site serving HTML
// everywhere must resolve to /docs, not to /api.
func TestScannerHTMLOnlyOnDocs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	s := NewScanner(0)
	found, endpoint := s.Scan(context.Background(), srv.URL)

	if !found || endpoint != "/docs" {
		t.Errorf("expected /docs, got found=%t endpoint=%s", found, endpoint)
	}
}

func TestScannerNothingThere(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := NewScanner(0)
	if found, endpoint := s.Scan(context.Background(), srv.URL); found {
		t.Errorf("expected no endpoint on a 404-only server, got %s", endpoint)
	}
}

type apiTypeTester struct {
	name   string
	labels map[string]string
	want   string
}

func (t *apiTypeTester) runTest(test *testing.T, name string) {
	if got := DeriveApiType(t.name, t.labels); got != t.want {
		test.Errorf("[%s] expected %q, got %q", name, t.want, got)
	}
}

var apiTypeTests = map[string]*apiTypeTester{
	"explicit-label": {
		name: "Torrents",
		labels: map[string]string{
			"portwatch.api.enabled": "true",
			"portwatch.api.type":    "qbittorrent",
		},
		want: "qbittorrent",
	},
	"compose-service": {
		name:   "Torrents",
		labels: map[string]string{"com.docker.compose.service": "qBittorrent"},
		want:   "qbittorrent",
	},
	"from-name": {
		name: "Media Server",
		want: "mediaserver",
	},
	"name-too-short": {
		name: "tv",
		want: "custom",
	},
	"disabled-label-ignored": {
		name: "Media Server",
		labels: map[string]string{
			"portwatch.api.enabled": "false",
			"portwatch.api.type":    "qbittorrent",
		},
		want: "mediaserver",
	},
}

func TestDeriveApiType(t *testing.T) {
	for tname, cfg := range apiTypeTests {
		cfg.runTest(t, tname)
	}
}
