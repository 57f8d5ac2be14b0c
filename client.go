package portwatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Well-known login paths, ordered by prevalence. An explicit
// override on the service replaces the whole list.
var authEndpoints = []string{
	"/api/v2/auth/login",
	"/api/auth",
	"/api/login",
	"/auth/login",
	"/login",
	"/api/v1/auth",
	"/api/v1/login",
	"/auth",
}

const (
	authTimeout    = 5 * time.Second
	requestTimeout = 10 * time.Second

	// Upper bound on response bodies we buffer
	maxResponseBody = 10 << 20
)

type authEncoding string

const (
	ENC_JSON  authEncoding = "json"
	ENC_FORM  authEncoding = "form"
	ENC_BASIC authEncoding = "basic"
)

var authEncodings = []authEncoding{ENC_JSON, ENC_FORM, ENC_BASIC}

// A buffered response handed back to callers. The proxy relays it
// as-is, so headers and raw body are kept.
type ApiResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// A Client talks to one service's API. It discovers a working login
// endpoint and encoding on first use, then reuses whatever worked.
// Certificate verification is off; these are the same self-signed
// hosts the prober deals with.
type Client struct {
	base    string
	baseURL *url.URL

	username string
	password string
	apiKey   string
	override string

	http    *http.Client
	headers http.Header
	scheme  AuthScheme
	log     zerolog.Logger
}

// NewClient builds a client for a service, decrypting its stored
// credentials along the way. An explicit ApiURL wins over the probe
// address.
func NewClient(svc *Service, box *SecretBox) (*Client, error) {
	raw := svc.URL
	if svc.ApiURL != "" {
		raw = svc.ApiURL
	}

	base, err := NormalizeServiceURL(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "service %s has no usable url", svc.Name)
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "service %s has no usable url", svc.Name)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cookie jar")
	}

	return &Client{
		base:     base,
		baseURL:  u,
		username: svc.Username,
		password: box.Decrypt(svc.Password),
		apiKey:   box.Decrypt(svc.ApiKey),
		override: svc.AuthEndpoint,
		headers:  make(http.Header),
		http: &http.Client{
			Jar: jar,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: log.With().Str("component", "client").Str("service", svc.Name).Logger(),
	}, nil
}

// Scheme reports which authentication method stuck, if any.
func (c *Client) Scheme() AuthScheme {
	return c.scheme
}

// Authenticate establishes a working auth method and caches it on
// the client. An API key wins outright and costs no round trip.
// Otherwise every candidate endpoint is tried with every encoding
// until one answers like a login.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.apiKey != "" {
		c.headers.Set("X-API-Key", c.apiKey)
		c.scheme = AUTH_APIKEY
		c.log.Info().Msg("using api key authentication")
		return nil
	}

	if c.username == "" || c.password == "" {
		return failf(FAIL_AUTH, "no credentials for %s", c.base)
	}

	for _, endpoint := range c.candidates() {
		for _, enc := range authEncodings {
			if c.tryLogin(ctx, endpoint, enc) {
				c.log.Info().Str("endpoint", endpoint).Str("encoding", string(enc)).Msg("authenticated")
				return nil
			}
		}
	}

	return failf(FAIL_AUTH, "all authentication attempts failed for %s", c.base)
}

func (c *Client) candidates() []string {
	if c.override != "" {
		return []string{c.override}
	}
	return authEndpoints
}

func (c *Client) tryLogin(ctx context.Context, endpoint string, enc authEncoding) bool {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	req, err := c.loginRequest(ctx, c.base+endpoint, enc)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("endpoint", endpoint).Msg("login endpoint unreachable")
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return false
	}

	if resp.StatusCode != 200 {
		ev := c.log.Debug().Int("status", resp.StatusCode).Str("endpoint", endpoint).Str("encoding", string(enc))
		if hint := authHint(resp, body); hint != "" {
			ev = ev.Str("hint", hint)
		}
		ev.Msg("login attempt rejected")
		return false
	}

	out := c.extract(resp, body)
	switch out.kind {
	case OUTCOME_TOKEN:
		c.headers.Set("Authorization", "Bearer "+out.token)
		c.scheme = AUTH_BEARER
		return true
	case OUTCOME_COOKIE:
		c.scheme = AUTH_COOKIE
		return true
	}

	c.log.Debug().Str("endpoint", endpoint).Msg("200 response but no token or cookies")
	return false
}

func (c *Client) loginRequest(ctx context.Context, target string, enc authEncoding) (*http.Request, error) {
	switch enc {
	case ENC_JSON:
		b, err := json.Marshal(map[string]string{
			"username": c.username,
			"password": c.password,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil

	case ENC_FORM:
		form := url.Values{}
		form.Set("username", c.username)
		form.Set("password", c.password)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil

	case ENC_BASIC:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.username, c.password)
		return req, nil
	}

	return nil, errors.Errorf("unknown auth encoding %s", enc)
}

type outcomeKind uint8

const (
	OUTCOME_INCONCLUSIVE outcomeKind = iota
	OUTCOME_TOKEN
	OUTCOME_COOKIE
)

type authOutcome struct {
	kind  outcomeKind
	token string
}

// Ordered extractors over a successful login response. First
// conclusive answer wins: a plain-text marker means a cookie
// session, then a token field in a JSON body, then bare cookies.
func (c *Client) extract(resp *http.Response, body []byte) authOutcome {
	extractors := []func(*http.Response, []byte) authOutcome{
		markerExtractor,
		tokenExtractor,
		c.cookieExtractor,
	}

	for _, ex := range extractors {
		if out := ex(resp, body); out.kind != OUTCOME_INCONCLUSIVE {
			return out
		}
	}
	return authOutcome{kind: OUTCOME_INCONCLUSIVE}
}

// qBittorrent answers a login with a plain "Ok." and a cookie
func markerExtractor(resp *http.Response, body []byte) authOutcome {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/html") {
		return authOutcome{}
	}

	if strings.Contains(strings.ToLower(strings.TrimSpace(string(body))), "ok") {
		return authOutcome{kind: OUTCOME_COOKIE}
	}
	return authOutcome{}
}

var tokenFields = []string{"jwt", "token", "access_token", "auth_token"}

func tokenExtractor(_ *http.Response, body []byte) authOutcome {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return authOutcome{}
	}

	for _, field := range tokenFields {
		if tok, ok := data[field].(string); ok && tok != "" {
			return authOutcome{kind: OUTCOME_TOKEN, token: tok}
		}
	}
	return authOutcome{}
}

func (c *Client) cookieExtractor(*http.Response, []byte) authOutcome {
	if len(c.http.Jar.Cookies(c.baseURL)) > 0 {
		return authOutcome{kind: OUTCOME_COOKIE}
	}
	return authOutcome{}
}

// authHint digs a diagnostic out of a rejected login, to make the
// debug log explain which encoding the service actually wanted.
func authHint(resp *http.Response, body []byte) string {
	if wa := strings.ToLower(resp.Header.Get("WWW-Authenticate")); wa != "" {
		switch {
		case strings.Contains(wa, "bearer"):
			return "expects bearer token authentication"
		case strings.Contains(wa, "basic"):
			return "expects http basic authentication"
		}
	}

	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "application/json") {
		return ""
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}

	msg, _ := data["error"].(string)
	if msg == "" {
		msg, _ = data["message"].(string)
	}
	msg = strings.ToLower(msg)

	switch {
	case msg == "":
		return ""
	case strings.Contains(msg, "form"), strings.Contains(msg, "application/x-www-form-urlencoded"):
		return "response suggests form encoding"
	case strings.Contains(msg, "json"):
		return "response suggests a json body"
	case strings.Contains(msg, "bearer"), strings.Contains(msg, "token"):
		return "response suggests a bearer token"
	case strings.Contains(msg, "api key"), strings.Contains(msg, "api_key"):
		return "response suggests an api key"
	}
	return ""
}

// Request issues an authenticated call. Authentication is lazy; a
// 401 mid-flight re-authenticates exactly once and retries exactly
// once. Anything outside 2xx comes back as a typed failure.
func (c *Client) Request(ctx context.Context, method, endpoint string, query url.Values, body []byte, contentType string) (*ApiResponse, error) {
	if c.scheme == AUTH_NONE {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	res, err := c.do(ctx, method, endpoint, query, body, contentType)
	if err != nil {
		return nil, err
	}

	if res.StatusCode == 401 {
		c.log.Warn().Str("endpoint", endpoint).Msg("got 401, re-authenticating")
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}

		res, err = c.do(ctx, method, endpoint, query, body, contentType)
		if err != nil {
			return nil, err
		}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusFailure(res.StatusCode, string(res.Body))
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte, contentType string) (*ApiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+endpoint, rd)
	if err != nil {
		return nil, newFailure(FAIL_MALFORMED, err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	for k, vals := range c.headers {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, newFailure(FAIL_MALFORMED, err)
	}

	return &ApiResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       b,
	}, nil
}
