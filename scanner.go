package portwatch

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultScanTimeout = 3 * time.Second

// Candidate paths to try, generic first, then well-known probe
// paths of common self-hosted services.
var commonEndpoints = []string{
	"/api",
	"/api/v1",
	"/api/v2",
	"/api/v3",
	"/api/v1/system/status",
	"/api/v2/app/version",
	"/api/v2/auth/login",
	"/api/v3/system/status",
	"/api/system/status",
	"/api/version",
	"/api/status",
	"/api/health",
	"/health",
	"/healthz",
	"/System/Info/Public",
	"/identity",
	"/docs",
	"/swagger",
	"/api-docs",
}

// Documentation pages answer with HTML instead of JSON
var docEndpoints = []string{"/docs", "/swagger", "/api-docs"}

type Scanner interface {
	// Scan walks the candidate list in order and reports the first
	// path that answers like an API. Stops at the first hit.
	Scan(ctx context.Context, baseURL string) (bool, string)
}

type endpointScanner struct {
	client *http.Client
	log    zerolog.Logger
}

// NewScanner builds a scanner with redirects disabled and certificate
// verification off. Self-signed targets are the norm here.
func NewScanner(timeout time.Duration) Scanner {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}

	return &endpointScanner{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: log.With().Str("component", "scanner").Logger(),
	}
}

func (s *endpointScanner) Scan(ctx context.Context, baseURL string) (bool, string) {
	base := strings.TrimRight(baseURL, "/")

	for _, endpoint := range commonEndpoints {
		ok, err := s.check(ctx, base, endpoint)
		if err != nil {
			// a dead candidate says nothing about the next one
			s.log.Debug().Err(err).Str("endpoint", endpoint).Msg("candidate unreachable")
			continue
		}
		if ok {
			s.log.Info().Str("url", base).Str("endpoint", endpoint).Msg("api endpoint found")
			return true, endpoint
		}
	}

	s.log.Debug().Str("url", base).Msg("no api endpoints found")
	return false, ""
}

func (s *endpointScanner) check(ctx context.Context, base, endpoint string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return s.accepts(endpoint, resp), nil
}

// An endpoint counts as an API indicator on 200/401/403 with a JSON
// content type, or on a bare 401. Documentation paths also count when
// they serve HTML on a 200.
func (s *endpointScanner) accepts(endpoint string, resp *http.Response) bool {
	code := resp.StatusCode
	if code != 200 && code != 401 && code != 403 {
		return false
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") || code == 401 {
		return true
	}

	if slices.Contains(docEndpoints, endpoint) && code == 200 && strings.Contains(ct, "text/html") {
		return true
	}
	return false
}

// DeriveApiType names the API of a service. Provider labels win,
// then the service name, then a generic bucket.
func DeriveApiType(name string, labels map[string]string) string {
	if t := typeFromLabels(labels); t != "" {
		return t
	}

	n := strings.ReplaceAll(strings.ToLower(name), " ", "")
	if len(n) > 2 {
		return n
	}
	return "custom"
}

func typeFromLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	if labels["portwatch.api.enabled"] == "true" {
		if t := labels["portwatch.api.type"]; t != "" {
			return t
		}
	}

	if svc := labels["com.docker.compose.service"]; svc != "" {
		return strings.ToLower(svc)
	}
	return ""
}
