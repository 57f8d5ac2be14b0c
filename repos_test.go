package portwatch

import (
	"fmt"
	"testing"
	"time"
)

func testRepo(t *testing.T) *serviceRepo {
	t.Helper()
	return newRepositoryFactory(MemoryConfiguration()).Services()
}

func TestServiceRepoCRUD(t *testing.T) {
	repo := testRepo(t)

	services := []*Service{
		{Name: "beta", URL: "https://beta.lan", Router: "beta@docker", Status: STATUS_UNKNOWN},
		{Name: "alpha", URL: "https://alpha.lan", Manual: true, Status: STATUS_UNKNOWN},
	}
	for _, svc := range services {
		if err := repo.addService(svc); err != nil {
			t.Fatalf("failed to add %s: %v", svc.Name, err)
		}
	}

	svc, err := repo.getService(services[0].ID)
	if err != nil {
		t.Fatalf("failed to get service: %v", err)
	}
	if svc.Name != "beta" {
		t.Errorf("expected beta, got %s", svc.Name)
	}

	if svc, err = repo.getServiceByName("alpha"); err != nil || !svc.Manual {
		t.Errorf("expected the manual service alpha, got %v (%v)", svc, err)
	}

	if svc, err = repo.getServiceByRouter("beta@docker"); err != nil || svc.Name != "beta" {
		t.Errorf("expected beta by router, got %v (%v)", svc, err)
	}

	all, err := repo.getServices()
	if err != nil {
		t.Fatalf("failed to list services: %v", err)
	}
	if len(all) != 2 || all[0].Name != "alpha" {
		t.Errorf("expected [alpha beta], got %v", all)
	}

	ids, err := repo.getServiceIDs()
	if err != nil {
		t.Fatalf("failed to list ids: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 ids, got %v", ids)
	}
}

func TestUpdateService(t *testing.T) {
	repo := testRepo(t)

	svc := &Service{Name: "alpha", URL: "https://alpha.lan", Status: STATUS_UNKNOWN}
	if err := repo.addService(svc); err != nil {
		t.Fatalf("failed to add service: %v", err)
	}

	updated, err := repo.updateService(svc.ID, func(s *Service) error {
		s.Icon = "disc"
		return nil
	})
	if err != nil {
		t.Fatalf("failed to update service: %v", err)
	}
	if updated.Icon != "disc" {
		t.Errorf("expected the icon on the returned service, got %q", updated.Icon)
	}

	// the cache entry was dropped, this read hits the database
	fresh, err := repo.getService(svc.ID)
	if err != nil {
		t.Fatalf("failed to reload service: %v", err)
	}
	if fresh.Icon != "disc" {
		t.Errorf("expected the icon to persist, got %q", fresh.Icon)
	}

	if _, err := repo.updateService(9999, func(s *Service) error { return nil }); !IsNotFound(err) {
		t.Errorf("expected a not-found error, got %v", err)
	}
}

func TestApplyCheckHistory(t *testing.T) {
	repo := testRepo(t)

	svc := &Service{Name: "alpha", URL: "https://alpha.lan", Status: STATUS_UNKNOWN}
	if err := repo.addService(svc); err != nil {
		t.Fatalf("failed to add service: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	total := checkHistoryLimit + 5

	for i := 0; i < total; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		_, err := repo.applyCheck(svc.ID, func(s *Service) *CheckRecord {
			s.Status = STATUS_UP
			s.LastChecked = &at
			return &CheckRecord{Status: STATUS_UP, CheckedAt: at}
		})
		if err != nil {
			t.Fatalf("failed to apply check %d: %v", i, err)
		}
	}

	checks, err := repo.getChecks(svc.ID, 0)
	if err != nil {
		t.Fatalf("failed to get checks: %v", err)
	}
	if len(checks) != checkHistoryLimit {
		t.Fatalf("expected the history pruned to %d, got %d", checkHistoryLimit, len(checks))
	}

	// newest first, the oldest five rows are gone
	if got := checks[0].CheckedAt.Unix(); got != base.Add(time.Duration(total-1)*time.Second).Unix() {
		t.Errorf("expected the newest check first, got %v", checks[0].CheckedAt)
	}
	if got := checks[len(checks)-1].CheckedAt.Unix(); got != base.Add(5*time.Second).Unix() {
		t.Errorf("expected the oldest surviving check at +5s, got %v", checks[len(checks)-1].CheckedAt)
	}

	if limited, _ := repo.getChecks(svc.ID, 10); len(limited) != 10 {
		t.Errorf("expected 10 checks with a limit, got %d", len(limited))
	}
	if clamped, _ := repo.getChecks(svc.ID, 5000); len(clamped) != checkHistoryLimit {
		t.Errorf("expected an oversized limit clamped to %d, got %d", checkHistoryLimit, len(clamped))
	}
}

func TestUptime(t *testing.T) {
	repo := testRepo(t)

	svc := &Service{Name: "alpha", URL: "https://alpha.lan", Status: STATUS_UNKNOWN}
	quiet := &Service{Name: "beta", URL: "https://beta.lan", Status: STATUS_UNKNOWN}
	for _, s := range []*Service{svc, quiet} {
		if err := repo.addService(s); err != nil {
			t.Fatalf("failed to add %s: %v", s.Name, err)
		}
	}

	seed := func(status ServiceStatus, n int) {
		for i := 0; i < n; i++ {
			if _, err := repo.applyCheck(svc.ID, func(s *Service) *CheckRecord {
				return &CheckRecord{Status: status, CheckedAt: time.Now()}
			}); err != nil {
				t.Fatalf("failed to seed a %s check: %v", status, err)
			}
		}
	}
	seed(STATUS_UP, 8)
	seed(STATUS_DOWN, 2)

	pct, err := repo.getUptime(svc.ID)
	if err != nil {
		t.Fatalf("failed to compute uptime: %v", err)
	}
	if pct == nil || *pct != 80.0 {
		t.Errorf("expected 80%% uptime, got %v", pct)
	}

	// no history means no number, not zero
	if pct, err = repo.getUptime(quiet.ID); err != nil || pct != nil {
		t.Errorf("expected nil uptime without history, got %v (%v)", pct, err)
	}

	all, err := repo.getUptimes()
	if err != nil {
		t.Fatalf("failed to compute uptimes: %v", err)
	}
	if len(all) != 1 || all[svc.ID] != 80.0 {
		t.Errorf("expected only the checked service in the map, got %v", all)
	}
}

// Removing a service must free its name and drop its history.
func TestRemoveService(t *testing.T) {
	repo := testRepo(t)

	svc := &Service{Name: "alpha", URL: "https://alpha.lan", Status: STATUS_UNKNOWN}
	if err := repo.addService(svc); err != nil {
		t.Fatalf("failed to add service: %v", err)
	}

	if _, err := repo.applyCheck(svc.ID, func(s *Service) *CheckRecord {
		return &CheckRecord{Status: STATUS_UP, CheckedAt: time.Now()}
	}); err != nil {
		t.Fatalf("failed to apply check: %v", err)
	}

	oldID := svc.ID
	if err := repo.removeService(oldID); err != nil {
		t.Fatalf("failed to remove service: %v", err)
	}

	if _, err := repo.getService(oldID); !IsNotFound(err) {
		t.Errorf("expected the service gone, got %v", err)
	}
	if checks, _ := repo.getChecks(oldID, 0); len(checks) != 0 {
		t.Errorf("expected the history gone, got %d checks", len(checks))
	}

	again := &Service{Name: "alpha", URL: "https://alpha.lan", Status: STATUS_UNKNOWN}
	if err := repo.addService(again); err != nil {
		t.Errorf("expected the name to be free again: %v", err)
	}
}

// Concurrent writers to the same service must not lose updates.
func TestUpdateServiceConcurrent(t *testing.T) {
	repo := testRepo(t)

	svc := &Service{Name: "alpha", URL: "https://alpha.lan", Status: STATUS_UNKNOWN}
	if err := repo.addService(svc); err != nil {
		t.Fatalf("failed to add service: %v", err)
	}

	const writers = 8
	done := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			_, err := repo.updateService(svc.ID, func(s *Service) error {
				s.DetectionAttempts++
				s.Icon = fmt.Sprintf("icon-%d", n)
				return nil
			})
			done <- err
		}(i)
	}
	for i := 0; i < writers; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent update failed: %v", err)
		}
	}

	fresh, err := repo.getService(svc.ID)
	if err != nil {
		t.Fatalf("failed to reload service: %v", err)
	}
	if fresh.DetectionAttempts != writers {
		t.Errorf("expected %d increments, got %d", writers, fresh.DetectionAttempts)
	}
}
