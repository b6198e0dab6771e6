//go:build integration

package hris

import (
	"context"
	"os"
	"testing"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/config"
)

func TestDirectoryIntegration(t *testing.T) {
	dsn := os.Getenv("API_HRIS_TEST_DSN")
	if dsn == "" {
		t.Skip("API_HRIS_TEST_DSN not set")
	}
	dir, err := Open(config.HRISConfig{DSN: dsn, MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := dir.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := dir.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	employees := []domain.Employee{
		{EmployeeSnapshot: domain.EmployeeSnapshot{ID: "emp-1", Name: "Ada", Department: "Engineering", Level: "L4"}, TenantID: "tenant-a", Active: true},
		{EmployeeSnapshot: domain.EmployeeSnapshot{ID: "emp-2", Name: "Grace", Department: "Sales", Level: "L3"}, TenantID: "tenant-a", Active: true},
		{EmployeeSnapshot: domain.EmployeeSnapshot{ID: "emp-1", Name: "Other", Department: "Ops"}, TenantID: "tenant-b", Active: true},
	}
	if err := dir.Upsert(ctx, employees...); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	employees[1].Level = "L4"
	if err := dir.Upsert(ctx, employees[1]); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	found, err := dir.FindByIDs(ctx, "tenant-a", []string{"emp-1", "emp-2", "missing"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 employees, got %d", len(found))
	}
	if found["emp-1"].Name != "Ada" {
		t.Fatalf("tenant isolation broken: %+v", found["emp-1"])
	}
	if found["emp-2"].Level != "L4" {
		t.Fatalf("expected upsert to update level, got %+v", found["emp-2"])
	}
}
