package portwatch

import (
	"strings"

	"github.com/pkg/errors"
)

// Makes a new manual service from user input.
// The URL is normalized before it is stored.
func MakeManualService(name, rawURL string) (*Service, error) {
	u, err := NormalizeServiceURL(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url for service %s", name)
	}

	return &Service{
		Name:   name,
		URL:    u,
		Manual: true,
		Status: STATUS_UNKNOWN,
	}, nil
}

// Normalizes a service URL. Bare hosts default to https,
// trailing slashes are dropped.
func NormalizeServiceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/"), nil
}

// Filter values from a slice
func Filter[T any](s []T, fn func(T) bool) []T {
	var r []T
	for _, t := range s {
		if fn(t) {
			r = append(r, t)
		}
	}
	return r
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
