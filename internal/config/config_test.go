package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.Auth.Secret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.Auth.Secret)
	}
	if cfg.Auth.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.Auth.ManagerPIN)
	}
}

func TestLoadLedgerDefaultsAndOverrides(t *testing.T) {
	t.Setenv("LEDGER_LOCK_TTL_SECONDS", "")
	t.Setenv("LEDGER_LOCK_WAIT_SECONDS", "-3")
	t.Setenv("LEDGER_APPEND_MAX_RETRIES", "12")
	t.Setenv("PORT", "9090")

	cfg := Load()
	if cfg.Ledger.LockTTL != 10*time.Second {
		t.Fatalf("expected default lock ttl, got %s", cfg.Ledger.LockTTL)
	}
	if cfg.Ledger.LockWait != 5*time.Second {
		t.Fatalf("expected invalid lock wait to fall back, got %s", cfg.Ledger.LockWait)
	}
	if cfg.Ledger.AppendMaxRetries != 12 {
		t.Fatalf("expected 12 retries, got %d", cfg.Ledger.AppendMaxRetries)
	}
	if cfg.Address() != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}

func TestLoadReportSettings(t *testing.T) {
	t.Setenv("COMMISSION_DEFAULT_RATE", "2.5")
	t.Setenv("CATEGORY_PREDEFINED", "Tops, Shoes,,Accessories")
	t.Setenv("CATEGORY_ALIASES", "tees=Tops,broken,sneakers = Shoes")
	t.Setenv("CATEGORY_FALLBACK", "Other")

	cfg := Load()
	if cfg.Report.CommissionDefaultRate.String() != "2.5" {
		t.Fatalf("unexpected default rate %s", cfg.Report.CommissionDefaultRate)
	}
	if len(cfg.Report.CategoryPredefined) != 3 || cfg.Report.CategoryPredefined[1] != "Shoes" {
		t.Fatalf("unexpected categories %v", cfg.Report.CategoryPredefined)
	}
	if len(cfg.Report.CategoryAliases) != 2 || cfg.Report.CategoryAliases["sneakers"] != "Shoes" {
		t.Fatalf("unexpected aliases %v", cfg.Report.CategoryAliases)
	}
	if cfg.Report.CategoryFallback != "Other" {
		t.Fatalf("unexpected fallback %q", cfg.Report.CategoryFallback)
	}

	t.Setenv("COMMISSION_DEFAULT_RATE", "150")
	if rate := Load().Report.CommissionDefaultRate; !rate.IsZero() {
		t.Fatalf("expected out-of-range rate to fall back to zero, got %s", rate)
	}
}
