package auth

import (
	"testing"
	"time"
)

func activeUser() *User {
	return &User{
		ID:                "u1",
		Username:          "alice",
		Email:             "alice@example.com",
		State:             StateActive,
		PasswordChangedAt: time.Now().Add(-24 * time.Hour),
	}
}

func TestEvaluateNoPolicy(t *testing.T) {
	p := Policy{}
	gate := p.Evaluate(activeUser(), TwoFactorRequirement{}, nil, time.Now())
	if gate.Step != StepNone {
		t.Fatalf("expected no gate, got %q", gate.Step)
	}
	if gate.Blocking() {
		t.Fatal("zero gate must not block")
	}
}

func TestEvaluatePasswordExpiredWinsOverEverything(t *testing.T) {
	now := time.Now()
	u := activeUser()
	u.PasswordChangedAt = now.Add(-100 * 24 * time.Hour)

	p := Policy{PasswordMaxAge: 90 * 24 * time.Hour, EnforceTerms: true, DefaultGraceHours: 48}
	termID := "term-1"
	req := TwoFactorRequirement{Required: true, GracePeriodHours: 0, GroupName: "ops"}

	gate := p.Evaluate(u, req, &termID, now)
	if gate.Step != StepPasswordExpired {
		t.Fatalf("expected password_expired, got %q", gate.Step)
	}
	if !gate.Blocking() {
		t.Fatal("password_expired must block")
	}
}

func TestEvaluateTermsBeforeTwoFactor(t *testing.T) {
	now := time.Now()
	u := activeUser()
	termID := "term-1"
	p := Policy{EnforceTerms: true, DefaultGraceHours: 48}
	req := TwoFactorRequirement{Required: true, GracePeriodHours: 0}

	gate := p.Evaluate(u, req, &termID, now)
	if gate.Step != StepTermsRequired {
		t.Fatalf("expected terms_required, got %q", gate.Step)
	}

	u.AcceptedTermID = &termID
	gate = p.Evaluate(u, req, &termID, now)
	if gate.Step != StepTwoFactorSetupRequired {
		t.Fatalf("expected two_factor_setup_required after accepting terms, got %q", gate.Step)
	}
}

func TestEvaluateStaleTermAcceptance(t *testing.T) {
	now := time.Now()
	u := activeUser()
	old := "term-old"
	u.AcceptedTermID = &old
	current := "term-new"

	p := Policy{EnforceTerms: true}
	gate := p.Evaluate(u, TwoFactorRequirement{}, &current, now)
	if gate.Step != StepTermsRequired {
		t.Fatalf("accepting an older document must not satisfy the gate, got %q", gate.Step)
	}
}

func TestEvaluateTermsNotEnforced(t *testing.T) {
	termID := "term-1"
	gate := Policy{}.Evaluate(activeUser(), TwoFactorRequirement{}, &termID, time.Now())
	if gate.Step != StepNone {
		t.Fatalf("terms must not gate when enforcement is off, got %q", gate.Step)
	}
}

func TestTwoFactorGateZeroGraceIsImmediate(t *testing.T) {
	p := Policy{DefaultGraceHours: 48}
	req := TwoFactorRequirement{Required: true, GracePeriodHours: 0, GroupName: "ops"}

	gate := p.Evaluate(activeUser(), req, nil, time.Now())
	if gate.Step != StepTwoFactorSetupRequired {
		t.Fatalf("zero grace must require setup immediately, got %q", gate.Step)
	}
	if gate.Group != "ops" {
		t.Fatalf("gate should carry the requiring group, got %q", gate.Group)
	}
}

func TestTwoFactorGateWithinGraceIsRecommended(t *testing.T) {
	now := time.Now()
	u := activeUser()
	started := now.Add(-1 * time.Hour)
	u.OTPGracePeriodStartedAt = &started

	p := Policy{DefaultGraceHours: 48}
	req := TwoFactorRequirement{Required: true, GracePeriodHours: 48, GroupName: "ops"}

	gate := p.Evaluate(u, req, nil, now)
	if gate.Step != StepTwoFactorSetupRecommended {
		t.Fatalf("expected recommended within grace, got %q", gate.Step)
	}
	if gate.Blocking() {
		t.Fatal("a running grace period must not block sign-in")
	}
	if gate.Deadline == nil {
		t.Fatal("recommended gate should carry the deadline")
	}
	want := started.Add(48 * time.Hour)
	if !gate.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", gate.Deadline, want)
	}
}

func TestTwoFactorGateGraceElapsed(t *testing.T) {
	now := time.Now()
	u := activeUser()
	started := now.Add(-49 * time.Hour)
	u.OTPGracePeriodStartedAt = &started

	p := Policy{DefaultGraceHours: 48}
	req := TwoFactorRequirement{Required: true, GracePeriodHours: 48}

	gate := p.Evaluate(u, req, nil, now)
	if gate.Step != StepTwoFactorSetupRequired {
		t.Fatalf("expected required after grace elapsed, got %q", gate.Step)
	}
}

func TestTwoFactorGateNegativeGraceFallsBackToDefault(t *testing.T) {
	now := time.Now()
	p := Policy{DefaultGraceHours: 24}
	req := TwoFactorRequirement{Required: true, GracePeriodHours: -1}

	gate := p.Evaluate(activeUser(), req, nil, now)
	if gate.Step != StepTwoFactorSetupRecommended {
		t.Fatalf("expected recommended via default grace, got %q", gate.Step)
	}
	want := now.Add(24 * time.Hour)
	if !gate.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", gate.Deadline, want)
	}
}

func TestTwoFactorGateSatisfiedByEnrollment(t *testing.T) {
	u := activeUser()
	u.OTPRequiredForLogin = true
	req := TwoFactorRequirement{Required: true, GracePeriodHours: 0}

	gate := Policy{}.Evaluate(u, req, nil, time.Now())
	if gate.Step != StepNone {
		t.Fatalf("enrolled user must pass the gate, got %q", gate.Step)
	}
}

func TestGraceStartsNow(t *testing.T) {
	u := activeUser()
	req := TwoFactorRequirement{Required: true, GracePeriodHours: 48}
	if !GraceStartsNow(u, req) {
		t.Fatal("first gated login should start the clock")
	}

	started := time.Now()
	u.OTPGracePeriodStartedAt = &started
	if GraceStartsNow(u, req) {
		t.Fatal("a running clock must not restart")
	}

	u.OTPGracePeriodStartedAt = nil
	u.OTPRequiredForLogin = true
	if GraceStartsNow(u, req) {
		t.Fatal("enrolled users never start a grace clock")
	}

	u.OTPRequiredForLogin = false
	if GraceStartsNow(u, TwoFactorRequirement{}) {
		t.Fatal("no requirement, no clock")
	}
}

func TestPasswordExpired(t *testing.T) {
	now := time.Now()
	u := activeUser()
	u.PasswordChangedAt = now.Add(-91 * 24 * time.Hour)

	if !u.PasswordExpired(90*24*time.Hour, now) {
		t.Fatal("91 day old password should be expired at 90 day max age")
	}
	if u.PasswordExpired(0, now) {
		t.Fatal("zero max age disables expiry")
	}
	u.PasswordChangedAt = now.Add(-10 * time.Hour)
	if u.PasswordExpired(90*24*time.Hour, now) {
		t.Fatal("fresh password must not be expired")
	}
}

func TestBlockedState(t *testing.T) {
	u := activeUser()
	if u.Blocked() {
		t.Fatal("active user reported blocked")
	}
	u.State = StateBlocked
	if !u.Blocked() {
		t.Fatal("blocked user reported active")
	}
}
