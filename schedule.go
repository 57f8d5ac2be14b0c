package portwatch

import "time"

const (
	maxDetectionAttempts = 5
	detectionCooldown    = 5 * time.Minute
	redetectAfter        = 7 * 24 * time.Hour
)

// DetectionGate decides when a service is due for API detection.
// Repeated failures are throttled after a few attempts, and verified
// APIs are re-probed once the last detection grows stale.
type DetectionGate struct {
	// MaxAttempts is the number of failed attempts before throttling.
	MaxAttempts int
	// Cooldown is how long a throttled service waits between attempts.
	Cooldown time.Duration
	// RecheckAfter is the age at which a verified API is re-probed.
	RecheckAfter time.Duration
}

func DefaultGate() DetectionGate {
	return DetectionGate{
		MaxAttempts:  maxDetectionAttempts,
		Cooldown:     detectionCooldown,
		RecheckAfter: redetectAfter,
	}
}

// ShouldDetect reports whether a detection attempt should run now.
// Force always wins, including over the failure throttle.
func (g DetectionGate) ShouldDetect(svc *Service, force bool, now time.Time) bool {
	if force {
		return true
	}

	due := !svc.ApiDetected
	if svc.DetectionAttempts >= g.MaxAttempts {
		if svc.NextDetectionAt != nil && now.Before(*svc.NextDetectionAt) {
			due = false
		}
	}

	// A stale verification is re-checked even while throttled.
	if svc.ApiLastDetected != nil && now.Sub(*svc.ApiLastDetected) > g.RecheckAfter {
		due = true
	}
	return due
}

// OnFailure records a failed or errored attempt and pushes the next
// attempt out once the budget is spent.
func (g DetectionGate) OnFailure(svc *Service, now time.Time) {
	svc.DetectionAttempts++
	if svc.DetectionAttempts >= g.MaxAttempts {
		next := now.Add(g.Cooldown)
		svc.NextDetectionAt = &next
	}
}

// OnSuccess marks the service as detected and clears the throttle.
func (g DetectionGate) OnSuccess(svc *Service, now time.Time) {
	svc.ApiDetected = true
	svc.ApiLastDetected = &now
	svc.DetectionAttempts = 0
	svc.NextDetectionAt = nil
}
