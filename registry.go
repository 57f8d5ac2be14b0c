package portwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// traefikPlaceholder is the compose default. A registry pointing at it
// counts as unconfigured so fresh deployments fall back to manual
// service management instead of logging connection errors forever.
const traefikPlaceholder = "http://traefik:8080/api"

const availabilityTimeout = 5 * time.Second

// DiscoveredService is a routed service reported by a registry.
type DiscoveredService struct {
	// Name is the display name derived from the router.
	Name string
	// URL is the externally reachable address.
	URL string
	// Router is the provider-qualified router name, unique per route.
	Router string
	// Labels is provider metadata worth keeping around, consulted
	// later when deriving the API type.
	Labels map[string]string
}

// Registry lists the services an edge proxy currently routes.
type Registry interface {
	// Configured reports whether the registry points somewhere real.
	Configured() bool
	// Available reports whether the registry answers right now.
	Available(ctx context.Context) bool
	// Discover returns the currently routed services.
	Discover(ctx context.Context) ([]DiscoveredService, error)
}

var (
	hostRule       = regexp.MustCompile("Host\\([`\"]([^`\"]+)[`\"]\\)")
	pathPrefixRule = regexp.MustCompile("PathPrefix\\([`\"]([^`\"]+)[`\"]\\)")
)

type traefikTLS struct {
	CertResolver string `json:"certResolver"`
	Options      string `json:"options"`
}

type traefikRouter struct {
	Name     string      `json:"name"`
	Rule     string      `json:"rule"`
	Status   string      `json:"status"`
	Service  string      `json:"service"`
	Provider string      `json:"provider"`
	TLS      *traefikTLS `json:"tls"`
}

// TraefikRegistry discovers services from the Traefik API by reading
// the HTTP routers and parsing their rules.
type TraefikRegistry struct {
	api      string
	username string
	password string
	client   *http.Client
	log      zerolog.Logger
}

func NewTraefikRegistry(settings TraefikSettings) *TraefikRegistry {
	return &TraefikRegistry{
		api:      strings.TrimRight(settings.Api, "/"),
		username: settings.Username,
		password: settings.Password,
		client:   &http.Client{},
		log:      log.With().Str("component", "registry").Logger(),
	}
}

func (r *TraefikRegistry) Configured() bool {
	return r.api != "" && r.api != traefikPlaceholder
}

// Available checks the version endpoint. An unconfigured registry is
// never available.
func (r *TraefikRegistry) Available(ctx context.Context) bool {
	if !r.Configured() {
		r.log.Debug().Msg("registry not configured, skipping availability check")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	resp, err := r.get(ctx, "version")
	if err != nil {
		r.log.Info().Err(err).Msg("registry is not available")
		return false
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Info().Int("status", resp.StatusCode).Msg("registry is not available")
		return false
	}
	return true
}

func (r *TraefikRegistry) Discover(ctx context.Context) ([]DiscoveredService, error) {
	routers, err := r.routers(ctx)
	if err != nil {
		return nil, err
	}

	// Traefik routes its own dashboard and api through internal
	// routers. Those are not services worth watching.
	routers = Filter(routers, func(r traefikRouter) bool {
		return !strings.Contains(r.Name, "@internal") && !strings.Contains(r.Service, "@internal")
	})

	var discovered []DiscoveredService
	for _, router := range routers {
		addr := urlFromRule(router.Rule, router.TLS != nil)
		if addr == "" {
			r.log.Debug().Str("router", router.Name).Str("rule", router.Rule).Msg("no host in router rule")
			continue
		}

		discovered = append(discovered, DiscoveredService{
			Name:   cleanRouterName(router.Name),
			URL:    addr,
			Router: router.Name,
			Labels: routerLabels(router),
		})
	}
	return discovered, nil
}

// routerLabels captures the provider metadata of a router. The docker
// provider names its Traefik service after the compose service, which
// is the best type hint we get from this registry.
func routerLabels(router traefikRouter) map[string]string {
	labels := map[string]string{
		"traefik.provider": router.Provider,
		"traefik.service":  router.Service,
	}
	if router.Provider == "docker" && router.Service != "" {
		svc, _, _ := strings.Cut(router.Service, "@")
		labels["com.docker.compose.service"] = svc
	}
	return labels
}

func (r *TraefikRegistry) routers(ctx context.Context) ([]traefikRouter, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := r.get(ctx, "http/routers")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query routers")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("registry returned status %d", resp.StatusCode)
	}

	var routers []traefikRouter
	if err := json.NewDecoder(resp.Body).Decode(&routers); err != nil {
		return nil, errors.Wrap(err, "failed to decode routers")
	}
	return routers, nil
}

func (r *TraefikRegistry) get(ctx context.Context, endpoint string) (*http.Response, error) {
	target := fmt.Sprintf("%s/%s", r.api, strings.TrimLeft(endpoint, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	if r.username != "" && r.password != "" {
		req.SetBasicAuth(r.username, r.password)
	}
	return r.client.Do(req)
}

// urlFromRule extracts a reachable URL from a router rule such as
// Host(`example.com`) && PathPrefix(`/api`). The first host wins.
// Routers with TLS configured are addressed over https.
func urlFromRule(rule string, tls bool) string {
	match := hostRule.FindStringSubmatch(rule)
	if match == nil {
		return ""
	}

	scheme := "http"
	if tls {
		scheme = "https"
	}

	path := ""
	if m := pathPrefixRule.FindStringSubmatch(rule); m != nil {
		path = m[1]
	}
	return fmt.Sprintf("%s://%s%s", scheme, match[1], path)
}

// cleanRouterName turns a provider-qualified router name such as
// "media-server@docker" into a display name like "Media Server".
func cleanRouterName(name string) string {
	name, _, _ = strings.Cut(name, "@")
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")

	words := strings.Fields(name)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
