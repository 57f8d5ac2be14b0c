package portwatch

import (
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type DatabaseLocation string

const INMEMORY_DATABASE DatabaseLocation = ":memory:"

// checkHistoryLimit caps the number of retained checks per service.
const checkHistoryLimit = 100

type Repository interface {
	WithTransaction(fn func(*gorm.DB) error) error
	connect() (*gorm.DB, error)
}

type repository struct {
	db *gorm.DB

	location string
	config   *gorm.Config
	models   []any
}

// do whatever within a separate transaction
func (r *repository) WithTransaction(fn func(conn *gorm.DB) error) error {
	if _, err := r.connect(); err != nil {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

func (r *repository) connect() (*gorm.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := gorm.Open(sqlite.Open(r.location), r.config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	// every pooled connection to :memory: would get its own empty
	// database, so keep a single one
	if r.location == string(INMEMORY_DATABASE) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "failed to reach the connection pool")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	db = db.Exec("PRAGMA foreign_keys = ON")
	if err := db.AutoMigrate(r.models...); err != nil {
		return nil, err
	}
	r.db = db

	return db, nil
}

type serviceRepo struct {
	Repository
	cache *expirable.LRU[uint, *Service]

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

// lock serializes writes to a single service. Checks, detections and
// edits all read-modify-write the same row, so each holds the service
// lock for the duration of the write.
func (r *serviceRepo) lock(id uint) func() {
	r.mu.Lock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// returns a service by id
func (r *serviceRepo) getService(id uint) (*Service, error) {
	if svc, ok := r.cache.Get(id); ok {
		return svc, nil
	}

	svc := &Service{}
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.First(svc, id)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find service")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.cache.Add(svc.ID, svc)
	return svc, nil
}

func (r *serviceRepo) getServiceByName(name string) (*Service, error) {
	svc := &Service{}
	return svc, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("name = ?", name).First(svc)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find service")
		}
		return nil
	})
}

// getServiceByRouter finds the service a discovered router maps to.
func (r *serviceRepo) getServiceByRouter(router string) (*Service, error) {
	svc := &Service{}
	return svc, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("router = ?", router).First(svc)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find service")
		}
		return nil
	})
}

func (r *serviceRepo) getServices() ([]*Service, error) {
	var services []*Service
	return services, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Order("name ASC").Find(&services)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find services")
		}
		return nil
	})
}

func (r *serviceRepo) getServiceIDs() ([]uint, error) {
	var ids []uint
	return ids, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&Service{}).Order("id ASC").Pluck("id", &ids)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to list service ids")
		}
		return nil
	})
}

func (r *serviceRepo) addService(svc *Service) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Create(svc)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create service")
		}

		r.cache.Add(svc.ID, svc)
		return nil
	})
}

// updateService applies fn to a fresh copy of the service and saves
// the result, all while holding the service lock. Callers must not
// mutate services fetched through the cache directly.
func (r *serviceRepo) updateService(id uint, fn func(*Service) error) (*Service, error) {
	defer r.lock(id)()

	svc := &Service{}
	err := r.WithTransaction(func(d *gorm.DB) error {
		if err := d.First(svc, id).Error; err != nil {
			return errors.Wrap(err, "failed to find service")
		}

		if err := fn(svc); err != nil {
			return err
		}

		if err := d.Save(svc).Error; err != nil {
			return errors.Wrap(err, "failed to save service")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.cache.Remove(id)
	return svc, nil
}

// applyCheck stores the outcome of a health check: fn updates the
// service from the probe result and returns the history record. The
// row update, the record and the history pruning share a transaction
// so the history never disagrees with the service.
func (r *serviceRepo) applyCheck(id uint, fn func(*Service) *CheckRecord) (*Service, error) {
	defer r.lock(id)()

	svc := &Service{}
	err := r.WithTransaction(func(d *gorm.DB) error {
		if err := d.First(svc, id).Error; err != nil {
			return errors.Wrap(err, "failed to find service")
		}

		rec := fn(svc)
		if err := d.Save(svc).Error; err != nil {
			return errors.Wrap(err, "failed to save service")
		}

		rec.ServiceID = svc.ID
		if err := d.Create(rec).Error; err != nil {
			return errors.Wrap(err, "failed to record check")
		}

		q := d.Exec(`
			DELETE FROM check_records
			WHERE service_id = ?
			AND id NOT IN (
				SELECT id FROM check_records
				WHERE service_id = ?
				ORDER BY id DESC
				LIMIT ?
			)
		`, svc.ID, svc.ID, checkHistoryLimit)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to prune check history")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.cache.Remove(id)
	return svc, nil
}

func (r *serviceRepo) getChecks(serviceID uint, limit int) ([]*CheckRecord, error) {
	if limit <= 0 || limit > checkHistoryLimit {
		limit = checkHistoryLimit
	}

	var checks []*CheckRecord
	return checks, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("service_id = ?", serviceID).
			Order("checked_at DESC").
			Limit(limit).
			Find(&checks)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find checks")
		}
		return nil
	})
}

// getUptime reports the share of retained checks that found the
// service up, as a percentage. Nil when nothing was recorded yet.
func (r *serviceRepo) getUptime(serviceID uint) (*float64, error) {
	var counts struct {
		Total int64
		Up    int64
	}

	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&CheckRecord{}).
			Select("count(*) as total, sum(case when status = ? then 1 else 0 end) as up", STATUS_UP).
			Where("service_id = ?", serviceID).
			Scan(&counts)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to count checks")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if counts.Total == 0 {
		return nil, nil
	}
	pct := float64(counts.Up) / float64(counts.Total) * 100
	return &pct, nil
}

func (r *serviceRepo) getUptimes() (map[uint]float64, error) {
	var rows []struct {
		ServiceID uint
		Total     int64
		Up        int64
	}

	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&CheckRecord{}).
			Select("service_id, count(*) as total, sum(case when status = ? then 1 else 0 end) as up", STATUS_UP).
			Group("service_id").
			Scan(&rows)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to count checks")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	uptimes := make(map[uint]float64, len(rows))
	for _, row := range rows {
		if row.Total > 0 {
			uptimes[row.ServiceID] = float64(row.Up) / float64(row.Total) * 100
		}
	}
	return uptimes, nil
}

// removeService hard-deletes a service together with its history.
// Soft deletes would keep the name occupied in the unique index.
func (r *serviceRepo) removeService(id uint) error {
	defer r.lock(id)()

	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Unscoped().Select(clause.Associations).Delete(&Service{}, id)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to delete service")
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.cache.Remove(id)
	return nil
}

type repositoryBuilder struct {
	home     string
	location string
	config   *gorm.Config
	models   []any
}

func newRepositoryBuilder(home string) *repositoryBuilder {
	return &repositoryBuilder{
		home: home,
		config: &gorm.Config{
			SkipDefaultTransaction: true,
			PrepareStmt:            true,
		},
	}
}

func (b *repositoryBuilder) setLocation(name string) *repositoryBuilder {
	b.location = name
	return b
}

func (b *repositoryBuilder) setName(n string) *repositoryBuilder {
	return b.setLocation(path.Join(b.home, n))
}

func (b *repositoryBuilder) setModels(m []any) *repositoryBuilder {
	b.models = m
	return b
}

func (b *repositoryBuilder) reset() {
	b.models = nil
	b.location = ""
}

func (b *repositoryBuilder) build() *repository {
	repo := &repository{
		config:   b.config,
		location: b.location,
		models:   b.models,
	}
	defer b.reset()
	return repo
}

type repositoryRegistry struct {
	conf    *Configuration
	builder *repositoryBuilder

	services *serviceRepo
}

func newRepositoryFactory(conf *Configuration) *repositoryRegistry {
	return &repositoryRegistry{
		conf:    conf,
		builder: newRepositoryBuilder(conf.Home()),
	}
}

func (r *repositoryRegistry) Services() *serviceRepo {
	if r.services != nil {
		return r.services
	}

	models := []any{&Service{}, &CheckRecord{}}
	b := r.builder.setModels(models)
	if loc := r.conf.settings.Database; loc != "" {
		b = b.setLocation(loc)
	} else {
		b = b.setName("portwatch.db")
	}
	repo := b.build()

	cache := expirable.NewLRU[uint, *Service](1e3, nil, 5*time.Minute)
	r.services = &serviceRepo{
		Repository: repo,
		cache:      cache,
		locks:      make(map[uint]*sync.Mutex),
	}
	return r.services
}
