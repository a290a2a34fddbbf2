package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestTOTPGenerateAndVerify(t *testing.T) {
	svc := NewTOTPService("SignInService")

	secret, otpauthURL, qr, err := svc.Generate("alice@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if secret == "" {
		t.Fatal("empty secret")
	}
	if !strings.HasPrefix(otpauthURL, "otpauth://totp/") {
		t.Fatalf("unexpected otpauth url %q", otpauthURL)
	}
	if !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Fatal("QR code is not a PNG data URL")
	}

	now := time.Now()
	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	if !svc.Verify(secret, code, now) {
		t.Fatal("freshly generated code should verify")
	}
	if svc.Verify(secret, "000000", now) && code != "000000" {
		t.Fatal("wrong code verified")
	}
}

func TestTOTPVerifyAcceptsAdjacentStep(t *testing.T) {
	svc := NewTOTPService("SignInService")
	secret, _, _, err := svc.Generate("alice@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	now := time.Now()
	previous, err := totp.GenerateCode(secret, now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if !svc.Verify(secret, previous, now) {
		t.Fatal("code from the previous step should verify with skew 1")
	}

	stale, err := totp.GenerateCode(secret, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if svc.Verify(secret, stale, now) {
		t.Fatal("five minute old code must not verify")
	}
}

func TestTOTPTimestep(t *testing.T) {
	svc := NewTOTPService("SignInService")
	// Window boundary: 1699999980 is divisible by the 30 second period.
	at := time.Unix(1699999980, 0)

	step := svc.Timestep(at)
	if step != 1699999980/30 {
		t.Fatalf("Timestep = %d", step)
	}
	if svc.Timestep(at.Add(29*time.Second)) != step {
		t.Fatal("same window should map to the same step")
	}
	if svc.Timestep(at.Add(31*time.Second)) == step {
		t.Fatal("next window should map to a new step")
	}
}
