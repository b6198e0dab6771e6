// Package hris reads employee records from the tenant HR system of record over MySQL.
package hris

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/config"
	"github.com/meritflow/compcycle/internal/platform/observability"
	"github.com/meritflow/compcycle/internal/repositories"
)

// lookupBatchSize bounds the IN list of a single lookup query.
const lookupBatchSize = 500

type employeeRow struct {
	TenantID          string     `gorm:"column:tenant_id;primaryKey;size:64"`
	EmployeeID        string     `gorm:"column:employee_id;primaryKey;size:64"`
	Name              string     `gorm:"column:name"`
	Email             string     `gorm:"column:email"`
	Department        string     `gorm:"column:department"`
	Level             string     `gorm:"column:level"`
	JobFamily         string     `gorm:"column:job_family"`
	Location          string     `gorm:"column:location"`
	ManagerID         string     `gorm:"column:manager_id"`
	HireDate          *time.Time `gorm:"column:hire_date"`
	PerformanceRating string     `gorm:"column:performance_rating"`
	Attributes        string     `gorm:"column:attributes;type:json"`
	Active            bool       `gorm:"column:active"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

func (employeeRow) TableName() string { return "employees" }

// Directory implements repositories.EmployeeDirectory on a gorm connection.
type Directory struct {
	db *gorm.DB
}

var _ repositories.EmployeeDirectory = (*Directory)(nil)

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	logger  *zap.Logger
	dialect gorm.Dialector
}

// WithLogger routes gorm warnings and slow queries through zap.
func WithLogger(logger *zap.Logger) Option {
	return func(o *openOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialector replaces the MySQL dialector, e.g. with one wrapping an existing *sql.DB.
func WithDialector(d gorm.Dialector) Option {
	return func(o *openOptions) {
		if d != nil {
			o.dialect = d
		}
	}
}

// Open connects to the HRIS database and installs the tracing plugin.
func Open(cfg config.HRISConfig, opts ...Option) (*Directory, error) {
	options := openOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.dialect == nil {
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, errors.New("hris: dsn is required")
		}
		options.dialect = mysql.Open(dsn)
	}

	db, err := gorm.Open(options.dialect, &gorm.Config{
		Logger: gormlogger.New(observability.NewPrintfAdapter(options.logger.Named("hris")), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("hris: open: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns >= 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("hris: install tracing plugin: %w", err)
	}
	return &Directory{db: db}, nil
}

// NewDirectory wraps an existing gorm handle.
func NewDirectory(db *gorm.DB) (*Directory, error) {
	if db == nil {
		return nil, errors.New("hris: db is required")
	}
	return &Directory{db: db}, nil
}

// FindByIDs loads the employees of tenantID among ids. Unknown IDs are omitted.
func (d *Directory) FindByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.Employee, error) {
	out := make(map[string]domain.Employee, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for start := 0; start < len(ids); start += lookupBatchSize {
		end := min(start+lookupBatchSize, len(ids))
		var rows []employeeRow
		err := d.db.WithContext(ctx).
			Where("tenant_id = ? AND employee_id IN ?", tenantID, ids[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, wrapError("find", err)
		}
		for _, row := range rows {
			emp, err := row.toDomain()
			if err != nil {
				return nil, wrapError("decode", err)
			}
			out[emp.ID] = emp
		}
	}
	return out, nil
}

// Upsert writes employees, replacing rows with the same (tenant, employee) key.
func (d *Directory) Upsert(ctx context.Context, employees ...domain.Employee) error {
	if len(employees) == 0 {
		return nil
	}
	rows := make([]employeeRow, 0, len(employees))
	for _, emp := range employees {
		row, err := fromDomain(emp)
		if err != nil {
			return wrapError("encode", err)
		}
		rows = append(rows, row)
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	return wrapError("upsert", err)
}

// Migrate creates or updates the employees table.
func (d *Directory) Migrate(ctx context.Context) error {
	return wrapError("migrate", d.db.WithContext(ctx).AutoMigrate(&employeeRow{}))
}

// Ping verifies the connection for readiness probes.
func (d *Directory) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return wrapError("ping", err)
	}
	return wrapError("ping", sqlDB.PingContext(ctx))
}

// Close releases the connection pool.
func (d *Directory) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r employeeRow) toDomain() (domain.Employee, error) {
	var attrs map[string]any
	if raw := strings.TrimSpace(r.Attributes); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return domain.Employee{}, fmt.Errorf("employee %s attributes: %w", r.EmployeeID, err)
		}
	}
	var hire *time.Time
	if r.HireDate != nil && !r.HireDate.IsZero() {
		t := r.HireDate.UTC()
		hire = &t
	}
	return domain.Employee{
		EmployeeSnapshot: domain.EmployeeSnapshot{
			ID:                r.EmployeeID,
			Name:              r.Name,
			Email:             r.Email,
			Department:        r.Department,
			Level:             r.Level,
			JobFamily:         r.JobFamily,
			Location:          r.Location,
			ManagerID:         r.ManagerID,
			HireDate:          hire,
			PerformanceRating: r.PerformanceRating,
			Attributes:        attrs,
		},
		TenantID: r.TenantID,
		Active:   r.Active,
	}, nil
}

func fromDomain(emp domain.Employee) (employeeRow, error) {
	attrs := "{}"
	if len(emp.Attributes) > 0 {
		raw, err := json.Marshal(emp.Attributes)
		if err != nil {
			return employeeRow{}, err
		}
		attrs = string(raw)
	}
	return employeeRow{
		TenantID:          emp.TenantID,
		EmployeeID:        emp.ID,
		Name:              emp.Name,
		Email:             emp.Email,
		Department:        emp.Department,
		Level:             emp.Level,
		JobFamily:         emp.JobFamily,
		Location:          emp.Location,
		ManagerID:         emp.ManagerID,
		HireDate:          emp.HireDate,
		PerformanceRating: emp.PerformanceRating,
		Attributes:        attrs,
		Active:            emp.Active,
	}, nil
}
