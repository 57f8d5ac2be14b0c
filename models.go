package portwatch

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceStatus string

const (
	STATUS_UNKNOWN ServiceStatus = "unknown"
	STATUS_UP      ServiceStatus = "up"
	STATUS_DOWN    ServiceStatus = "down"
)

// A service is anything with a URL we can probe. Services either
// come from the Traefik registry or are added by hand.
type Service struct {
	gorm.Model

	// Name of the service
	Name string `gorm:"uniqueIndex"`
	// Where the service listens. May be rewritten by the prober
	// when only the plain-http fallback answers.
	URL string
	// Traefik router that announced this service. Empty for manual ones.
	Router string `gorm:"index"`
	// Whether the service was added by hand
	Manual      bool
	Icon        string
	Description string
	// Comma-separated, free-form
	Tags string
	// Provider labels captured at sync time, e.g. docker compose
	// labels. Consulted when deriving the API type.
	Labels datatypes.JSON

	Status ServiceStatus `gorm:"default:unknown"`
	// Round trip of the last probe, in milliseconds.
	// Unset when the probe never completed.
	ResponseTime *float64
	LastChecked  *time.Time
	// Only moves when the status actually flips
	StatusChangedAt *time.Time

	ApiDetected bool
	// Either declared by the operator or derived from labels
	// and the service name
	ApiType string
	// First candidate path that answered during detection
	ApiEndpoint     string
	ApiLastDetected *time.Time
	// Consecutive failed detections. Reset on success.
	DetectionAttempts int
	NextDetectionAt   *time.Time

	// Credentials. Password and ApiKey hold ciphertext only. ApiURL
	// overrides where API calls go when it differs from the probe URL.
	Username     string
	Password     string
	ApiKey       string
	ApiURL       string
	AuthEndpoint string

	Checks []*CheckRecord `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE"`
}

// ApplyProbe folds a probe result into the service. LastChecked always
// moves, StatusChangedAt only when the status flips. Reports whether
// it flipped.
func (s *Service) ApplyProbe(res ProbeResult, now time.Time) bool {
	if res.URL != "" && res.URL != s.URL {
		s.URL = res.URL
	}

	changed := s.Status != res.Status
	s.Status = res.Status
	s.ResponseTime = res.ResponseTime
	s.LastChecked = &now
	if changed {
		s.StatusChangedAt = &now
	}
	return changed
}

func (s *Service) HasCredentials() bool {
	return s.ApiKey != "" || s.HasUserPass()
}

func (s *Service) HasUserPass() bool {
	return s.Username != "" && s.Password != ""
}

func (s *Service) SetLabels(labels map[string]string) error {
	if len(labels) == 0 {
		s.Labels = nil
		return nil
	}

	b, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	s.Labels = b
	return nil
}

func (s *Service) GetLabels() map[string]string {
	if len(s.Labels) == 0 {
		return nil
	}

	var labels map[string]string
	if err := json.Unmarshal(s.Labels, &labels); err != nil {
		return nil
	}
	return labels
}

// A single probe outcome, kept around as history
type CheckRecord struct {
	gorm.Model

	ServiceID uint `gorm:"index"`

	Status       ServiceStatus
	ResponseTime *float64
	// What went wrong, when something did
	Error     string
	CheckedAt time.Time
}

type AuthScheme string

const (
	// No authentication discovered yet
	AUTH_NONE AuthScheme = ""
	// A static key sent on every request
	AUTH_APIKEY AuthScheme = "api_key"
	// A token obtained from a login endpoint
	AUTH_BEARER AuthScheme = "bearer"
	// A session cookie obtained from a login endpoint
	AUTH_COOKIE AuthScheme = "cookie"
)
