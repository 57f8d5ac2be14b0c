package portwatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type ruleTester struct {
	rule string
	tls  bool
	want string
}

func (t *ruleTester) runTest(test *testing.T, name string) {
	if got := urlFromRule(t.rule, t.tls); got != t.want {
		test.Errorf("[%s] expected %q, got %q", name, t.want, got)
	}
}

var ruleTests = map[string]*ruleTester{
	"backticks": {
		rule: "Host(`media.lan`)",
		want: "http://media.lan",
	},
	"quotes": {
		rule: `Host("media.lan")`,
		want: "http://media.lan",
	},
	"tls": {
		rule: "Host(`media.lan`)",
		tls:  true,
		want: "https://media.lan",
	},
	"path-prefix": {
		rule: "Host(`media.lan`) && PathPrefix(`/sonarr`)",
		want: "http://media.lan/sonarr",
	},
	"first-host-wins": {
		rule: "Host(`a.lan`) || Host(`b.lan`)",
		want: "http://a.lan",
	},
	"no-host": {
		rule: "PathPrefix(`/api`)",
		want: "",
	},
}

func TestURLFromRule(t *testing.T) {
	for tname, cfg := range ruleTests {
		cfg.runTest(t, tname)
	}
}

type routerNameTester struct {
	router string
	want   string
}

func (t *routerNameTester) runTest(test *testing.T, name string) {
	if got := cleanRouterName(t.router); got != t.want {
		test.Errorf("[%s] expected %q, got %q", name, t.want, got)
	}
}

var routerNameTests = map[string]*routerNameTester{
	"provider-suffix": {router: "media-server@docker", want: "Media Server"},
	"underscores":     {router: "media_server@file", want: "Media Server"},
	"single-word":     {router: "sonarr@docker", want: "Sonarr"},
	"no-provider":     {router: "sonarr", want: "Sonarr"},
}

func TestCleanRouterName(t *testing.T) {
	for tname, cfg := range routerNameTests {
		cfg.runTest(t, tname)
	}
}

func TestRegistryConfigured(t *testing.T) {
	if NewTraefikRegistry(TraefikSettings{}).Configured() {
		t.Error("an empty registry must not count as configured")
	}
	if NewTraefikRegistry(TraefikSettings{Api: traefikPlaceholder}).Configured() {
		t.Error("the compose placeholder must not count as configured")
	}
	if !NewTraefikRegistry(TraefikSettings{Api: "http://10.0.0.2:8080/api"}).Configured() {
		t.Error("a real address must count as configured")
	}
}

func fakeTraefik(t *testing.T, routers string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"Version":"3.0"}`))
	})
	mux.HandleFunc("/api/http/routers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(routers))
	})
	return httptest.NewServer(mux)
}

func TestRegistryAvailability(t *testing.T) {
	srv := fakeTraefik(t, `[]`)
	defer srv.Close()

	r := NewTraefikRegistry(TraefikSettings{
		Api:      srv.URL + "/api",
		Username: "admin",
		Password: "s3cret",
	})
	if !r.Available(context.Background()) {
		t.Error("expected the registry to be available")
	}

	bad := NewTraefikRegistry(TraefikSettings{Api: srv.URL + "/api", Username: "admin", Password: "wrong"})
	if bad.Available(context.Background()) {
		t.Error("expected rejected credentials to read as unavailable")
	}

	unconfigured := NewTraefikRegistry(TraefikSettings{})
	if unconfigured.Available(context.Background()) {
		t.Error("an unconfigured registry is never available")
	}
}

func TestRegistryDiscover(t *testing.T) {
	srv := fakeTraefik(t, `[
		{"name": "media-server@docker", "rule": "Host(`+"`media.lan`"+`)", "status": "enabled", "service": "media-server", "provider": "docker", "tls": {"certResolver": "le"}},
		{"name": "api@internal", "rule": "PathPrefix(`+"`/api`"+`)", "status": "enabled", "service": "api@internal", "provider": "traefik"},
		{"name": "orphan@docker", "rule": "PathPrefix(`+"`/orphan`"+`)", "status": "enabled", "service": "orphan", "provider": "docker"}
	]`)
	defer srv.Close()

	r := NewTraefikRegistry(TraefikSettings{Api: srv.URL + "/api", Username: "admin", Password: "s3cret"})

	discovered, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("failed to discover: %v", err)
	}

	// the internal router is skipped, the hostless one dropped
	if len(discovered) != 1 {
		t.Fatalf("expected one discovered service, got %d: %v", len(discovered), discovered)
	}

	svc := discovered[0]
	if svc.Name != "Media Server" {
		t.Errorf("expected name %q, got %q", "Media Server", svc.Name)
	}
	if svc.URL != "https://media.lan" {
		t.Errorf("expected url %q, got %q", "https://media.lan", svc.URL)
	}
	if svc.Router != "media-server@docker" {
		t.Errorf("expected router %q, got %q", "media-server@docker", svc.Router)
	}
	if svc.Labels["com.docker.compose.service"] != "media-server" {
		t.Errorf("expected the compose service label, got %v", svc.Labels)
	}
}
