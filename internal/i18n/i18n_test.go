package i18n

import (
	"net/http"
	"strings"
	"testing"
)

func TestNormalizeLocale(t *testing.T) {
	cases := map[string]string{
		"":                          "en",
		"en":                        "en",
		"en-US,en;q=0.9":            "en",
		"de-DE,de;q=0.9,en;q=0.8":   "de",
		"DE":                        "de",
		"fr-FR,fr;q=0.9":            "en",
		"fr-FR,de-AT;q=0.8":         "de",
		" , ;q=0.5":                 "en",
		"zh-CN,zh;q=0.9,en-GB;q=08": "en",
	}
	for header, want := range cases {
		if got := NormalizeLocale(header); got != want {
			t.Errorf("NormalizeLocale(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestLocaleFromRequest(t *testing.T) {
	if got := LocaleFromRequest(nil); got != DefaultLocale {
		t.Fatalf("nil request locale = %q", got)
	}

	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Language", "de-CH")
	if got := LocaleFromRequest(r); got != "de" {
		t.Fatalf("locale = %q", got)
	}
}

func TestVerificationEmailFillsPlaceholders(t *testing.T) {
	msg := VerificationEmail("en", "492817", 10)
	if !strings.Contains(msg.Text, "492817") || !strings.Contains(msg.Text, "10 minutes") {
		t.Fatalf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.HTML, "<strong>492817</strong>") {
		t.Fatalf("html = %q", msg.HTML)
	}
	if strings.Contains(msg.Text, "{") || strings.Contains(msg.HTML, "{") {
		t.Fatal("unresolved placeholder left in message")
	}
}

func TestPasswordResetEmailLocales(t *testing.T) {
	link := "https://app.example.com/reset-password?token=abc"

	en := PasswordResetEmail("en", link, 1)
	if en.Subject != "Reset your password" || !strings.Contains(en.Text, link) {
		t.Fatalf("en = %+v", en)
	}

	de := PasswordResetEmail("de", link, 1)
	if de.Subject != "Passwort zurücksetzen" || !strings.Contains(de.HTML, link) {
		t.Fatalf("de = %+v", de)
	}

	// Unsupported locales fall back to English.
	fr := PasswordResetEmail("fr", link, 1)
	if fr.Subject != en.Subject {
		t.Fatalf("fallback subject = %q", fr.Subject)
	}
}

func TestSignInAlertEmailDefaults(t *testing.T) {
	msg := SignInAlertEmail("en", "alice@example.com", "Mon, 02 Jan 2006 15:04:05 UTC", "203.0.113.7", "", " ")
	if !strings.Contains(msg.Text, "Unknown location") {
		t.Fatalf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "Unknown device") {
		t.Fatalf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "203.0.113.7") {
		t.Fatalf("text = %q", msg.Text)
	}

	de := SignInAlertEmail("de", "alice@example.com", "x", "203.0.113.7", "", "")
	if !strings.Contains(de.Text, "Unbekannter Standort") {
		t.Fatalf("de text = %q", de.Text)
	}
}

func TestPasswordExpiredEmailLocales(t *testing.T) {
	en := PasswordExpiredEmail("en")
	if en.Subject != "Your password has expired" {
		t.Fatalf("en subject = %q", en.Subject)
	}
	if !strings.Contains(en.Text, "choose a new password") {
		t.Fatalf("en text = %q", en.Text)
	}

	de := PasswordExpiredEmail("de")
	if de.Subject != "Dein Passwort ist abgelaufen" {
		t.Fatalf("de subject = %q", de.Subject)
	}

	if fr := PasswordExpiredEmail("fr"); fr.Subject != en.Subject {
		t.Fatalf("fallback subject = %q", fr.Subject)
	}
}

func TestTwoFactorEnrollmentEmail(t *testing.T) {
	msg := TwoFactorEnrollmentEmail("en", "ops", "2026-08-25T10:00:00Z")
	if !strings.Contains(msg.Text, "ops") || !strings.Contains(msg.Text, "2026-08-25T10:00:00Z") {
		t.Fatalf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.HTML, "<strong>ops</strong>") {
		t.Fatalf("html = %q", msg.HTML)
	}
}
