package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealthChecker() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("source:pg1", true, "running")

	if len(healthChecker.components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(healthChecker.components))
	}
	comp := healthChecker.components["source:pg1"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "running" {
		t.Errorf("expected message 'running', got %q", comp.Message)
	}
}

func TestUpdateComponent_OverwritesExisting(t *testing.T) {
	resetHealthChecker()

	RegisterComponent("task_manager", true, "")
	UpdateComponent("task_manager", false, "failure ratio 0.60 exceeds threshold")

	comp := healthChecker.components["task_manager"]
	if comp.Healthy {
		t.Error("expected component to be unhealthy after UpdateComponent")
	}
	if comp.Message == "" {
		t.Error("expected a non-empty message after UpdateComponent")
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("source:pg1", true, "")
	RegisterComponent("task_manager", true, "")

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
}

func TestGetHealth_NoComponentsRegisteredIsHealthy(t *testing.T) {
	resetHealthChecker()

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy' with no components registered, got %q", health.Status)
	}
}

func TestGetHealth_OneUnhealthyComponentMarksOverallUnhealthy(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("source:pg1", true, "")
	RegisterComponent("source:pg2", false, "connect failed")

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got %q", health.Status)
	}
	if health.Components["source:pg2"] != "unhealthy: connect failed" {
		t.Errorf("unexpected component message: %q", health.Components["source:pg2"])
	}
}

func TestHealthHandler_ReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("source:pg1", false, "connect failed")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}

	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("expected body status 'unhealthy', got %q", body.Status)
	}
}

func TestHealthHandler_ReturnsOKWhenHealthy(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("source:pg1", true, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestLivenessHandler_AlwaysOK(t *testing.T) {
	resetHealthChecker()
	RegisterComponent("source:pg1", false, "connect failed")

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 regardless of component health, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected status 'alive', got %q", body["status"])
	}
}
