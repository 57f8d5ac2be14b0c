package portwatch

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const probeUserAgent = "portwatch/1.0"

const defaultProbeTimeout = 5 * time.Second

// ClassifyStatus maps a completed HTTP exchange to a liveness verdict.
// Auth-gated and method-rejecting answers still prove something is
// listening, so 401, 403 and 405 count as up alongside 2xx and 3xx.
func ClassifyStatus(code int) ServiceStatus {
	switch {
	case code >= 200 && code < 400:
		return STATUS_UP
	case code == 401, code == 403, code == 405:
		return STATUS_UP
	default:
		return STATUS_DOWN
	}
}

// What a single probe concluded. URL differs from the input when only
// the plain-http fallback answered; callers are expected to persist
// the rewrite. ResponseTime is unset when no attempt completed.
type ProbeResult struct {
	Status       ServiceStatus
	ResponseTime *float64
	URL          string
	Failure      *Failure
}

// The prober answers one question: does the thing behind a URL
// respond at all. It follows redirects and classifies the final
// status with ClassifyStatus.
//
// Broken certificates are everywhere on a LAN, so a failed
// verification is retried with verification off. A refused https
// connection falls back to plain http on the same host, which catches
// services that were registered with the wrong scheme.
type Prober struct {
	timeout  time.Duration
	client   *http.Client
	insecure *http.Client
	log      zerolog.Logger
}

func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	return &Prober{
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		insecure: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: log.With().Str("component", "prober").Logger(),
	}
}

func (p *Prober) Check(ctx context.Context, rawURL string) ProbeResult {
	res := ProbeResult{Status: STATUS_DOWN, URL: rawURL}
	start := time.Now()

	status, err := p.fetch(ctx, p.client, rawURL)
	if err == nil {
		return p.conclude(res, status, start)
	}

	f := classifyTransport(err)
	switch f.Kind {
	case FAIL_TLS:
		return p.retryInsecure(ctx, res)
	case FAIL_CONNECTION:
		return p.fallbackHTTP(ctx, res, f)
	default:
		// timeouts and anything else end the probe
		res.Failure = f
		return res
	}
}

// Same URL, verification off. Each attempt measures its own elapsed
// time; the reported response time belongs to the exchange that
// produced the verdict.
func (p *Prober) retryInsecure(ctx context.Context, res ProbeResult) ProbeResult {
	start := time.Now()

	status, err := p.fetch(ctx, p.insecure, res.URL)
	if err != nil {
		f := classifyTransport(err)
		if f.Kind == FAIL_CONNECTION {
			return p.fallbackHTTP(ctx, res, f)
		}
		res.Failure = f
		return res
	}

	p.log.Debug().Str("url", res.URL).Msg("probe succeeded without certificate verification")
	return p.conclude(res, status, start)
}

// Refused https connections get one shot over plain http. Only a
// healthy answer rewrites the URL; a reachable-but-broken service
// keeps its https address and reports no response time.
func (p *Prober) fallbackHTTP(ctx context.Context, res ProbeResult, orig *Failure) ProbeResult {
	if !strings.HasPrefix(res.URL, "https://") {
		res.Failure = orig
		return res
	}

	fallback := downgradeURL(res.URL)
	start := time.Now()

	status, err := p.fetch(ctx, p.insecure, fallback)
	if err != nil {
		res.Failure = classifyTransport(err)
		return res
	}

	if ClassifyStatus(status) == STATUS_UP {
		p.log.Info().Str("from", res.URL).Str("to", fallback).Msg("service answers on plain http, rewriting")
		res.Status = STATUS_UP
		res.ResponseTime = elapsedMs(start)
		res.URL = fallback
		return res
	}

	res.Failure = statusFailure(status, "")
	return res
}

func (p *Prober) conclude(res ProbeResult, status int, start time.Time) ProbeResult {
	res.ResponseTime = elapsedMs(start)
	res.Status = ClassifyStatus(status)
	if res.Status == STATUS_DOWN {
		res.Failure = statusFailure(status, "")
	}
	return res
}

func (p *Prober) fetch(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", probeUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// downgradeURL returns the plain-http twin of an https URL.
func downgradeURL(raw string) string {
	return "http://" + strings.TrimPrefix(raw, "https://")
}

func elapsedMs(start time.Time) *float64 {
	ms := float64(time.Since(start)) / float64(time.Millisecond)
	return &ms
}
