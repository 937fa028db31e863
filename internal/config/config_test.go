package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.APIPort != "8080" {
		t.Fatalf("expected default API_PORT 8080, got %s", cfg.APIPort)
	}
	if cfg.PipelineMaxAttempts != 3 {
		t.Fatalf("expected default PIPELINE_MAX_ATTEMPTS 3, got %d", cfg.PipelineMaxAttempts)
	}
	if cfg.LLMConcurrency != 8 {
		t.Fatalf("expected default LLM_CONCURRENCY 8, got %d", cfg.LLMConcurrency)
	}
	if cfg.JanitorMaxAge != time.Hour {
		t.Fatalf("expected default JANITOR_MAX_AGE 1h, got %s", cfg.JanitorMaxAge)
	}
	if cfg.AllowGender {
		t.Fatalf("expected MEDGEMMA_ALLOW_GENDER to default false")
	}
	if !cfg.StrictExtraction {
		t.Fatalf("expected STRICT_EXTRACTION to default true")
	}
	if cfg.RequireExpectedTests {
		t.Fatalf("expected REQUIRE_EXPECTED_TESTS to default false")
	}
	if !cfg.RequirePatient {
		t.Fatalf("expected REQUIRE_PATIENT to default true")
	}
	if cfg.AllowReportDate {
		t.Fatalf("expected ALLOW_REPORT_DATE to default false")
	}
	if cfg.MinObservations != 3 {
		t.Fatalf("expected MIN_OBSERVATIONS to default 3, got %d", cfg.MinObservations)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("API_PORT", "9999")
	t.Setenv("PIPELINE_MAX_ATTEMPTS", "5")
	t.Setenv("MEDGEMMA_ALLOW_GENDER", "true")
	t.Setenv("JANITOR_MAX_AGE", "30m")
	t.Setenv("REQUIRE_EXPECTED_TESTS", "true")
	t.Setenv("ALLOW_REPORT_DATE", "true")
	t.Setenv("MIN_OBSERVATIONS", "5")

	cfg := Load()

	if cfg.APIPort != "9999" {
		t.Fatalf("expected overridden API_PORT 9999, got %s", cfg.APIPort)
	}
	if cfg.PipelineMaxAttempts != 5 {
		t.Fatalf("expected overridden PIPELINE_MAX_ATTEMPTS 5, got %d", cfg.PipelineMaxAttempts)
	}
	if !cfg.AllowGender {
		t.Fatalf("expected overridden MEDGEMMA_ALLOW_GENDER true")
	}
	if cfg.JanitorMaxAge != 30*time.Minute {
		t.Fatalf("expected overridden JANITOR_MAX_AGE 30m, got %s", cfg.JanitorMaxAge)
	}
	if !cfg.RequireExpectedTests {
		t.Fatalf("expected overridden REQUIRE_EXPECTED_TESTS true")
	}
	if !cfg.AllowReportDate {
		t.Fatalf("expected overridden ALLOW_REPORT_DATE true")
	}
	if cfg.MinObservations != 5 {
		t.Fatalf("expected overridden MIN_OBSERVATIONS 5, got %d", cfg.MinObservations)
	}
}

func TestMustEnvIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("PIPELINE_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()

	if cfg.PipelineMaxAttempts != 3 {
		t.Fatalf("expected fallback 3 for invalid int env var, got %d", cfg.PipelineMaxAttempts)
	}
}
