package model

import "testing"

func TestSeverityStringer(t *testing.T) {
	cases := map[Severity]string{
		SeverityLow:    "low",
		SeverityMedium: "medium",
		SeverityHigh:   "high",
		Severity(99):   "unknown",
	}
	for sev, want := range cases {
		if got := sev.String(); got != want {
			t.Fatalf("Severity(%d).String() = %q, want %q", sev, got, want)
		}
	}
}

func TestSeverityAtLeast(t *testing.T) {
	if !SeverityHigh.AtLeast(SeverityMedium) {
		t.Fatal("expected high to be at least medium")
	}
	if SeverityLow.AtLeast(SeverityHigh) {
		t.Fatal("expected low to not be at least high")
	}
	if !SeverityMedium.AtLeast(SeverityMedium) {
		t.Fatal("expected a severity to be at least itself")
	}
}

func TestRiskLevelStringer(t *testing.T) {
	cases := map[RiskLevel]string{
		RiskUnverified: "unverified",
		RiskLow:        "low",
		RiskMedium:     "medium",
		RiskHigh:       "high",
		RiskLevel(99):  "unknown",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Fatalf("RiskLevel(%d).String() = %q, want %q", r, got, want)
		}
	}
}

func TestUserResponseStringer(t *testing.T) {
	cases := map[UserResponse]string{
		ResponseNotAsked:             "not_asked",
		ResponseRemove:               "remove",
		ResponseProcessingAllowed:    "processing_allowed",
		ResponseProcessingDisallowed: "processing_disallowed",
		UserResponse(99):             "unknown",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Fatalf("UserResponse(%d).String() = %q, want %q", r, got, want)
		}
	}
}

func TestEngineIDStringer(t *testing.T) {
	if EngineContent.String() != "content" {
		t.Fatalf("EngineContent.String() = %q", EngineContent.String())
	}
	if EngineWeb.String() != "web" {
		t.Fatalf("EngineWeb.String() = %q", EngineWeb.String())
	}
	if EngineID(99).String() != "unknown" {
		t.Fatalf("EngineID(99).String() = %q", EngineID(99).String())
	}
}

func TestHistoryRowEmbedsDetectedFields(t *testing.T) {
	row := HistoryRow{
		Detected:    Detected{TargetName: "/tmp/x", Severity: SeverityHigh},
		DataVersion: "v2",
		IsIgnored:   true,
	}
	if row.TargetName != "/tmp/x" || row.Severity != SeverityHigh {
		t.Fatalf("embedded Detected fields not accessible: %+v", row)
	}
}
