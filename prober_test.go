package portwatch

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type classifyStatusTester struct {
	codes  []int
	status ServiceStatus
}

func (t *classifyStatusTester) runTest(test *testing.T, name string) {
	for _, code := range t.codes {
		if got := ClassifyStatus(code); got != t.status {
			test.Errorf("[%s] expected %d to classify as %s, got %s", name, code, t.status, got)
		}
	}
}

var classifyStatusTests = map[string]*classifyStatusTester{
	"success":     {codes: []int{200, 201, 204}, status: STATUS_UP},
	"redirect":    {codes: []int{301, 302, 307}, status: STATUS_UP},
	"auth-gated":  {codes: []int{401, 403}, status: STATUS_UP},
	"bad-method":  {codes: []int{405}, status: STATUS_UP},
	"client-side": {codes: []int{400, 404, 410}, status: STATUS_DOWN},
	"server-side": {codes: []int{500, 502, 503}, status: STATUS_DOWN},
}

func TestClassifyStatus(t *testing.T) {
	for tname, cfg := range classifyStatusTests {
		cfg.runTest(t, tname)
	}
}

func TestProberHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(0)
	res := p.Check(context.Background(), srv.URL)

	if res.Status != STATUS_UP {
		t.Errorf("expected up, got %s (%v)", res.Status, res.Failure)
	}
	if res.ResponseTime == nil {
		t.Error("expected a response time for a completed probe")
	}
	if res.URL != srv.URL {
		t.Errorf("expected the url to stay %s, got %s", srv.URL, res.URL)
	}
}

// Auth walls still prove something is listening.
func TestProberAuthGated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProber(0)
	if res := p.Check(context.Background(), srv.URL); res.Status != STATUS_UP {
		t.Errorf("expected up for a 401, got %s", res.Status)
	}
}

func TestProberBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProber(0)
	res := p.Check(context.Background(), srv.URL)

	if res.Status != STATUS_DOWN {
		t.Errorf("expected down for a 500, got %s", res.Status)
	}
	if res.ResponseTime == nil {
		t.Error("expected a response time, the exchange completed")
	}
	if res.Failure == nil || res.Failure.Kind != FAIL_STATUS {
		t.Errorf("expected a status failure, got %v", res.Failure)
	}
}

// A self-signed certificate fails verification, the retry without it
// must still reach the service.
func TestProberSelfSigned(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(0)
	res := p.Check(context.Background(), srv.URL)

	if res.Status != STATUS_UP {
		t.Errorf("expected up behind a self-signed certificate, got %s (%v)", res.Status, res.Failure)
	}
	if res.ResponseTime == nil {
		t.Error("expected a response time from the insecure retry")
	}
}

func TestProberRefused(t *testing.T) {
	// grab a port nothing listens on
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	p := NewProber(0)
	res := p.Check(context.Background(), "https://"+addr)

	if res.Status != STATUS_DOWN {
		t.Errorf("expected down for a refused connection, got %s", res.Status)
	}
	if res.ResponseTime != nil {
		t.Errorf("expected no response time, got %v", *res.ResponseTime)
	}
	if res.URL != "https://"+addr {
		t.Errorf("expected the url to stay untouched, got %s", res.URL)
	}
}

func TestProberTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewProber(100 * time.Millisecond)
	res := p.Check(context.Background(), srv.URL)

	if res.Status != STATUS_DOWN {
		t.Errorf("expected down on timeout, got %s", res.Status)
	}
	if res.Failure == nil || res.Failure.Kind != FAIL_TIMEOUT {
		t.Errorf("expected a timeout failure, got %v", res.Failure)
	}
	if res.ResponseTime != nil {
		t.Errorf("expected no response time on timeout, got %v", *res.ResponseTime)
	}
}

func TestDowngradeURL(t *testing.T) {
	if got := downgradeURL("https://svc.local:8443"); got != "http://svc.local:8443" {
		t.Errorf("expected the plain twin, got %s", got)
	}
}
