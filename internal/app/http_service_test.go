package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cardpool-next/internal/config"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestMetricsHandlerServesHealthAndMetrics(t *testing.T) {
	dsn := fmt.Sprintf("file:app_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	handler := NewMetricsHandler(db)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response: %d", rec.Code)
	}
}

func TestHealthFailsWithoutDatabase(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMetricsHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestNormalizeOptionsValidatesMode(t *testing.T) {
	if _, err := normalizeOptions(Options{Config: &config.Config{}, Mode: "api"}); err == nil {
		t.Fatalf("expected unknown mode error")
	}
	if _, err := normalizeOptions(Options{Mode: ModeAll}); err == nil {
		t.Fatalf("expected nil config error")
	}
	opts, err := normalizeOptions(Options{Config: &config.Config{}})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if opts.Mode != ModeAll || opts.ShutdownTimeout != 10*time.Second || opts.Logger == nil {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
}

func TestBuildRunnerRejectsUnknownMode(t *testing.T) {
	if _, err := BuildRunner(Options{Config: &config.Config{}, Mode: "api"}); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestBuildRunnerMetricsDisabled(t *testing.T) {
	if _, err := BuildRunner(Options{Config: &config.Config{}, Mode: ModeMetrics}); err == nil {
		t.Fatalf("expected error when metrics disabled in metrics mode")
	}
}
