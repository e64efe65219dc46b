package jobdriver

import (
	"testing"

	"github.com/shaiso/Stagehand/internal/domain"
)

// --- Resources Tests ---

func TestScaleQuantity(t *testing.T) {
	tests := []struct {
		in     string
		factor float64
		want   string
	}{
		{"2Gi", 1.5, "3Gi"},
		{"512Mi", 1.5, "768Mi"},
		{"1", 1.5, "1500m"},
		{"500m", 2, "1000m"},
		{"1.5Gi", 1, "1536Mi"},
		{"100M", 1.25, "125M"},
		{"333m", 1.5, "500m"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ScaleQuantity(tt.in, tt.factor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestScaleQuantity_Invalid(t *testing.T) {
	for _, q := range []string{"", "abc", "-1Gi", "1..5"} {
		if _, err := ScaleQuantity(q, 1.5); err == nil {
			t.Errorf("expected error for %q", q)
		}
	}
}

func TestBuildResources(t *testing.T) {
	tmpl := domain.JobTemplate{CPU: "500m", Memory: "2Gi", EphemeralStorage: "1Gi"}

	res, err := buildResources(tmpl, 0.5, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Requests["cpu"] != "500m" || res.Requests["memory"] != "2Gi" {
		t.Errorf("unexpected requests: %v", res.Requests)
	}
	if res.Limits["memory"] != "3Gi" {
		t.Errorf("expected memory limit 3Gi, got %q", res.Limits["memory"])
	}
	if _, ok := res.Limits["cpu"]; ok {
		t.Error("cpu limit must not be set without cpuLimits")
	}
	if res.Limits["ephemeral-storage"] != "1Gi" {
		t.Errorf("expected ephemeral limit equal to request, got %q", res.Limits["ephemeral-storage"])
	}

	res, err = buildResources(tmpl, 0.5, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Limits["cpu"] != "750m" {
		t.Errorf("expected cpu limit 750m, got %q", res.Limits["cpu"])
	}
}

func TestBuildResources_Empty(t *testing.T) {
	res, err := buildResources(domain.JobTemplate{}, 0.5, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Requests != nil || res.Limits != nil {
		t.Errorf("expected empty resources, got %+v", res)
	}
}
