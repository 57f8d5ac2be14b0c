package web

import (
	"time"

	"github.com/portwatch"
)

// ServiceView is the wire shape of a service. Credentials never leave
// the server, only their presence does.
type ServiceView struct {
	ID               uint       `json:"id"`
	Name             string     `json:"name"`
	URL              string     `json:"url"`
	Router           string     `json:"router,omitempty"`
	Manual           bool       `json:"manual"`
	Icon             string     `json:"icon,omitempty"`
	Description      string     `json:"description,omitempty"`
	Tags             string     `json:"tags,omitempty"`
	Status           string     `json:"status"`
	ResponseTime     *float64   `json:"response_time"`
	LastChecked      *time.Time `json:"last_checked"`
	StatusChangedAt  *time.Time `json:"status_changed_at"`
	UptimePercentage *float64   `json:"uptime_percentage,omitempty"`
	ApiDetected      bool       `json:"api_detected"`
	ApiType          string     `json:"api_type,omitempty"`
	ApiEndpoint      string     `json:"api_endpoint,omitempty"`
	ApiLastDetected  *time.Time `json:"api_last_detected,omitempty"`
	ApiURL           string     `json:"api_url,omitempty"`
	AuthEndpoint     string     `json:"auth_endpoint,omitempty"`
	HasCredentials   bool       `json:"has_credentials"`
}

func newServiceView(svc *portwatch.Service) ServiceView {
	return ServiceView{
		ID:              svc.ID,
		Name:            svc.Name,
		URL:             svc.URL,
		Router:          svc.Router,
		Manual:          svc.Manual,
		Icon:            svc.Icon,
		Description:     svc.Description,
		Tags:            svc.Tags,
		Status:          string(svc.Status),
		ResponseTime:    svc.ResponseTime,
		LastChecked:     svc.LastChecked,
		StatusChangedAt: svc.StatusChangedAt,
		ApiDetected:     svc.ApiDetected,
		ApiType:         svc.ApiType,
		ApiEndpoint:     svc.ApiEndpoint,
		ApiLastDetected: svc.ApiLastDetected,
		ApiURL:          svc.ApiURL,
		AuthEndpoint:    svc.AuthEndpoint,
		HasCredentials:  svc.HasCredentials(),
	}
}

func newServiceViews(services []*portwatch.Service) []ServiceView {
	views := make([]ServiceView, 0, len(services))
	for _, svc := range services {
		views = append(views, newServiceView(svc))
	}
	return views
}

type CheckView struct {
	Status       string    `json:"status"`
	ResponseTime *float64  `json:"response_time"`
	Error        string    `json:"error,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

func newCheckViews(checks []*portwatch.CheckRecord) []CheckView {
	views := make([]CheckView, 0, len(checks))
	for _, rec := range checks {
		views = append(views, CheckView{
			Status:       string(rec.Status),
			ResponseTime: rec.ResponseTime,
			Error:        rec.Error,
			CheckedAt:    rec.CheckedAt,
		})
	}
	return views
}

// StatusSummary is the dashboard roll-up.
type StatusSummary struct {
	Total       int       `json:"total"`
	Up          int       `json:"up"`
	Down        int       `json:"down"`
	Unknown     int       `json:"unknown"`
	ApiDetected int       `json:"api_detected"`
	Timestamp   time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type createServiceRequest struct {
	Name        string `json:"name" binding:"required"`
	URL         string `json:"url" binding:"required"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
	Tags        string `json:"tags"`
}

type updateServiceRequest struct {
	Name        *string `json:"name"`
	URL         *string `json:"url"`
	Icon        *string `json:"icon"`
	Description *string `json:"description"`
	Tags        *string `json:"tags"`
}

type credentialsRequest struct {
	Username     *string `json:"username"`
	Password     *string `json:"password"`
	ApiKey       *string `json:"api_key"`
	ApiURL       *string `json:"api_url"`
	AuthEndpoint *string `json:"auth_endpoint"`
	ApiType      *string `json:"api_type"`
}
