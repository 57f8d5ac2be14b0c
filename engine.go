package portwatch

import (
	"context"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrServiceExists = errors.New("service already exists")
	ErrNotManual     = errors.New("service is managed by the registry")
)

// IsNotFound reports whether err means the service does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// Engine ties the pieces together: the service store, the edge proxy
// registry, the health prober and the API detector.
type Engine struct {
	conf     *Configuration
	repos    *repositoryRegistry
	registry Registry
	prober   *Prober
	scanner  Scanner
	secrets  *SecretBox
	gate     DetectionGate
	log      zerolog.Logger
}

func NewEngine(conf *Configuration) (*Engine, error) {
	secrets, err := NewSecretBox(conf.SecretKey())
	if err != nil {
		return nil, errors.Wrap(err, "failed to load secret key")
	}

	return &Engine{
		conf:     conf,
		repos:    newRepositoryFactory(conf),
		registry: NewTraefikRegistry(conf.Traefik()),
		prober:   NewProber(defaultProbeTimeout),
		scanner:  NewScanner(defaultScanTimeout),
		secrets:  secrets,
		gate:     DefaultGate(),
		log:      log.With().Str("component", "engine").Logger(),
	}, nil
}

func (e *Engine) ListServices() ([]*Service, error) {
	return e.repos.Services().getServices()
}

func (e *Engine) GetService(id uint) (*Service, error) {
	return e.repos.Services().getService(id)
}

func (e *Engine) ServiceIDs() ([]uint, error) {
	return e.repos.Services().getServiceIDs()
}

// History returns the most recent checks for a service, newest first.
func (e *Engine) History(id uint, limit int) ([]*CheckRecord, error) {
	if _, err := e.repos.Services().getService(id); err != nil {
		return nil, err
	}
	return e.repos.Services().getChecks(id, limit)
}

// Uptime reports the share of recorded checks that found the service
// up, as a percentage. Nil when there is no history yet.
func (e *Engine) Uptime(id uint) (*float64, error) {
	if _, err := e.repos.Services().getService(id); err != nil {
		return nil, err
	}
	return e.repos.Services().getUptime(id)
}

// Uptimes reports the uptime percentage of every service that has
// recorded checks, keyed by service id.
func (e *Engine) Uptimes() (map[uint]float64, error) {
	return e.repos.Services().getUptimes()
}

// CreateService registers a manually managed service.
func (e *Engine) CreateService(name, rawURL string) (*Service, error) {
	svc, err := MakeManualService(name, rawURL)
	if err != nil {
		return nil, err
	}

	if _, err := e.repos.Services().getServiceByName(svc.Name); err == nil {
		return nil, errors.Wrapf(ErrServiceExists, "%q", svc.Name)
	}

	if err := e.repos.Services().addService(svc); err != nil {
		return nil, err
	}

	e.log.Info().Str("service", svc.Name).Str("url", svc.URL).Msg("service created")
	return svc, nil
}

// ServiceEdit carries the fields an operator may change. Nil fields
// are left untouched.
type ServiceEdit struct {
	Name        *string
	URL         *string
	Icon        *string
	Description *string
	Tags        *string
}

// UpdateService edits a service. Name and address of discovered
// services are owned by the registry and cannot be changed here; the
// display fields are operator-owned either way.
func (e *Engine) UpdateService(id uint, edit ServiceEdit) (*Service, error) {
	return e.repos.Services().updateService(id, func(s *Service) error {
		if edit.Icon != nil {
			s.Icon = *edit.Icon
		}
		if edit.Description != nil {
			s.Description = *edit.Description
		}
		if edit.Tags != nil {
			s.Tags = *edit.Tags
		}

		if edit.Name == nil && edit.URL == nil {
			return nil
		}
		if !s.Manual {
			return errors.Wrapf(ErrNotManual, "%q", s.Name)
		}

		if edit.Name != nil {
			if *edit.Name == "" {
				return errors.New("service name cannot be empty")
			}
			s.Name = *edit.Name
		}

		if edit.URL != nil {
			normalized, err := NormalizeServiceURL(*edit.URL)
			if err != nil {
				return err
			}
			s.URL = normalized
		}
		return nil
	})
}

// DeleteService removes a manually managed service together with its
// history. Discovered services would only come back on the next sync.
func (e *Engine) DeleteService(id uint) error {
	svc, err := e.repos.Services().getService(id)
	if err != nil {
		return err
	}
	if !svc.Manual {
		return errors.Wrapf(ErrNotManual, "%q", svc.Name)
	}
	return e.repos.Services().removeService(id)
}

// Credentials carries a partial credential update. Nil fields keep
// their stored value, empty strings clear it.
type Credentials struct {
	Username     *string
	Password     *string
	ApiKey       *string
	ApiURL       *string
	AuthEndpoint *string
	ApiType      *string
}

// SetCredentials stores API credentials for a service. Secrets are
// encrypted at rest. A username and password pair marks the service as
// API-capable right away, probing is pointless when the operator
// already knows the API is there.
func (e *Engine) SetCredentials(id uint, creds Credentials) (*Service, error) {
	now := time.Now()

	return e.repos.Services().updateService(id, func(s *Service) error {
		if creds.Username != nil {
			s.Username = *creds.Username
		}

		if creds.Password != nil {
			enc, err := e.secrets.Encrypt(*creds.Password)
			if err != nil {
				return errors.Wrap(err, "failed to encrypt password")
			}
			s.Password = enc
		}

		if creds.ApiKey != nil {
			enc, err := e.secrets.Encrypt(*creds.ApiKey)
			if err != nil {
				return errors.Wrap(err, "failed to encrypt api key")
			}
			s.ApiKey = enc
		}

		if creds.ApiURL != nil {
			s.ApiURL = *creds.ApiURL
		}
		if creds.AuthEndpoint != nil {
			s.AuthEndpoint = *creds.AuthEndpoint
		}
		if creds.ApiType != nil {
			s.ApiType = *creds.ApiType
		}

		if s.HasUserPass() && !s.ApiDetected {
			e.gate.OnSuccess(s, now)
			if s.ApiType == "" {
				s.ApiType = DeriveApiType(s.Name, s.GetLabels())
			}
		}
		return nil
	})
}

// CheckService probes a service once and records the outcome.
func (e *Engine) CheckService(ctx context.Context, id uint) (*Service, error) {
	repo := e.repos.Services()
	svc, err := repo.getService(id)
	if err != nil {
		return nil, err
	}

	res := e.prober.Check(ctx, svc.URL)
	now := time.Now()

	return repo.applyCheck(id, func(s *Service) *CheckRecord {
		if s.ApplyProbe(res, now) {
			e.log.Info().
				Str("service", s.Name).
				Str("status", string(s.Status)).
				Msg("service status changed")
		}

		rec := &CheckRecord{
			Status:       s.Status,
			ResponseTime: s.ResponseTime,
			CheckedAt:    now,
		}
		if res.Failure != nil {
			rec.Error = res.Failure.Error()
		}
		return rec
	})
}

// CheckAll probes every known service once. The monitor drives its own
// schedule, this is for the refresh endpoint and the CLI.
func (e *Engine) CheckAll(ctx context.Context) int {
	ids, err := e.repos.Services().getServiceIDs()
	if err != nil {
		e.log.Error().Err(err).Msg("failed to list services")
		return 0
	}

	checked := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}

		if _, err := e.CheckService(ctx, id); err != nil {
			e.log.Error().Err(err).Uint("service", id).Msg("check failed")
			continue
		}
		checked++
	}
	return checked
}

// DetectService decides whether the service exposes an API. It reports
// the refreshed service and the detection verdict.
func (e *Engine) DetectService(ctx context.Context, id uint, force bool) (*Service, bool, error) {
	repo := e.repos.Services()
	svc, err := repo.getService(id)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()

	// Configured credentials mean the operator already knows there is
	// an API behind the service. Skip probing entirely.
	if svc.HasUserPass() {
		updated, err := repo.updateService(id, func(s *Service) error {
			if !s.ApiDetected {
				e.gate.OnSuccess(s, now)
				if s.ApiType == "" {
					s.ApiType = DeriveApiType(s.Name, s.GetLabels())
				}
			}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		return updated, true, nil
	}

	if !e.gate.ShouldDetect(svc, force, now) {
		e.log.Debug().
			Str("service", svc.Name).
			Int("attempts", svc.DetectionAttempts).
			Msg("detection throttled")
		return svc, svc.ApiDetected, nil
	}

	found, endpoint := e.scanner.Scan(ctx, svc.URL)

	updated, err := repo.updateService(id, func(s *Service) error {
		if !found {
			e.gate.OnFailure(s, now)
			return nil
		}

		e.gate.OnSuccess(s, now)
		s.ApiEndpoint = endpoint
		s.ApiType = DeriveApiType(s.Name, s.GetLabels())
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if found {
		e.log.Info().
			Str("service", updated.Name).
			Str("type", updated.ApiType).
			Str("endpoint", endpoint).
			Msg("api detected")
	}
	return updated, found, nil
}

// SyncServices pulls the routed services from the registry and folds
// them into the store. Without a configured and reachable registry the
// sync is a no-op and services are managed manually.
func (e *Engine) SyncServices(ctx context.Context, force bool) (int, error) {
	if !e.registry.Available(ctx) {
		e.log.Debug().Msg("registry unavailable, staying in manual service mode")
		return 0, nil
	}
	return e.syncDiscovered(ctx, force)
}

// RefreshReport summarizes one full refresh round.
type RefreshReport struct {
	Synced             int
	Checked            int
	RegistryConfigured bool
	RegistryAvailable  bool
}

// RefreshAll runs a registry sync when the registry answers, then a
// health check of every service.
func (e *Engine) RefreshAll(ctx context.Context, force bool) RefreshReport {
	rep := RefreshReport{RegistryConfigured: e.registry.Configured()}
	if rep.RegistryConfigured && e.registry.Available(ctx) {
		rep.RegistryAvailable = true

		n, err := e.syncDiscovered(ctx, force)
		if err != nil {
			e.log.Error().Err(err).Msg("sync failed during refresh")
		}
		rep.Synced = n
	}

	rep.Checked = e.CheckAll(ctx)
	return rep
}

func (e *Engine) syncDiscovered(ctx context.Context, force bool) (int, error) {
	discovered, err := e.registry.Discover(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to discover services")
	}

	synced := 0
	for _, disc := range discovered {
		svc, err := e.syncService(disc)
		if err != nil {
			e.log.Error().Err(err).Str("router", disc.Router).Msg("failed to sync service")
			continue
		}

		if _, _, err := e.DetectService(ctx, svc.ID, force); err != nil {
			e.log.Debug().Err(err).Str("service", svc.Name).Msg("api detection failed")
		}
		synced++
	}

	e.log.Info().Int("count", synced).Msg("services synced")
	return synced, nil
}

func (e *Engine) syncService(disc DiscoveredService) (*Service, error) {
	repo := e.repos.Services()

	svc, err := repo.getServiceByRouter(disc.Router)
	if err == nil {
		return repo.updateService(svc.ID, func(s *Service) error {
			s.Name = disc.Name
			// a plain-http rewrite from the prober survives re-discovery
			if s.URL != disc.URL && s.URL != downgradeURL(disc.URL) {
				s.URL = disc.URL
			}
			return s.SetLabels(disc.Labels)
		})
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	svc = &Service{
		Name:   disc.Name,
		URL:    disc.URL,
		Router: disc.Router,
		Status: STATUS_UNKNOWN,
	}
	if err := svc.SetLabels(disc.Labels); err != nil {
		return nil, err
	}
	if err := repo.addService(svc); err != nil {
		return nil, err
	}

	e.log.Info().Str("service", svc.Name).Str("url", svc.URL).Msg("discovered new service")
	return svc, nil
}

// ApiRequest performs an authenticated request against a service API
// on behalf of the caller.
func (e *Engine) ApiRequest(ctx context.Context, id uint, method, endpoint string, query url.Values, body []byte, contentType string) (*ApiResponse, error) {
	svc, err := e.repos.Services().getService(id)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(svc, e.secrets)
	if err != nil {
		return nil, err
	}
	return client.Request(ctx, method, endpoint, query, body, contentType)
}
