package i18n

import (
	"strconv"
	"strings"
)

type EmailContent struct {
	Subject string
	Text    string
	HTML    string
}

type emailStrings struct {
	VerificationSubject string
	VerificationText    string
	VerificationHTML    string

	PasswordResetSubject string
	PasswordResetText    string
	PasswordResetHTML    string

	SignInSubject string
	SignInText    string
	SignInHTML    string

	TwoFactorEnrollmentSubject string
	TwoFactorEnrollmentText    string
	TwoFactorEnrollmentHTML    string

	PasswordExpiredSubject string
	PasswordExpiredText    string
	PasswordExpiredHTML    string

	UnknownLocation string
	UnknownDevice   string
}

var emailTranslations = map[string]emailStrings{
	"en": {
		VerificationSubject: "Verify your email",
		VerificationText:    "Your verification code is {code}. It is valid for {minutes} minutes.",
		VerificationHTML: "<p>Verify your email</p>" +
			"<p>Use the code below to verify your email address.</p>" +
			"<p><strong>{code}</strong></p>" +
			"<p>The code expires in {minutes} minutes.</p>" +
			"<p>If you did not request this, you can ignore this email.</p>",

		PasswordResetSubject: "Reset your password",
		PasswordResetText:    "Reset your password: {link}\nThe link expires in {hours} hour(s).\nIf you did not request this, ignore this email.",
		PasswordResetHTML: "<p>Password reset</p>" +
			"<p>Click the link to reset your password.</p>" +
			"<p><a href=\"{link}\">Reset password</a></p>" +
			"<p>The link expires in {hours} hour(s).</p>" +
			"<p>If you did not request this, ignore this email.</p>",

		SignInSubject: "New sign-in to your account",
		SignInText: "Hi {email},\n\nA new sign-in occurred on {time}.\n\n" +
			"IP: {ip}\nLocation: {location}\nDevice: {device}\n\n" +
			"If this wasn't you, please reset your password and revoke other sessions.",
		SignInHTML: "<p>Hi {email},</p>" +
			"<p>A new sign-in occurred on <strong>{time}</strong>.</p>" +
			"<ul><li><strong>IP:</strong> {ip}</li>" +
			"<li><strong>Location:</strong> {location}</li>" +
			"<li><strong>Device:</strong> {device}</li></ul>" +
			"<p>If this wasn't you, please reset your password and revoke other sessions.</p>",

		TwoFactorEnrollmentSubject: "Two-factor authentication required",
		TwoFactorEnrollmentText: "The group {group} requires you to enable two-factor authentication for your account." +
			" You need to do this before {deadline}, otherwise you will be asked to set it up at your next sign-in.",
		TwoFactorEnrollmentHTML: "<p>The group <strong>{group}</strong> requires you to enable two-factor authentication for your account.</p>" +
			"<p>You need to do this before <strong>{deadline}</strong>, otherwise you will be asked to set it up at your next sign-in.</p>",

		PasswordExpiredSubject: "Your password has expired",
		PasswordExpiredText:    "Your password has expired. Please sign in and choose a new password to regain access to your account.",
		PasswordExpiredHTML: "<p>Your password has expired.</p>" +
			"<p>Please sign in and choose a new password to regain access to your account.</p>",

		UnknownLocation: "Unknown location",
		UnknownDevice:   "Unknown device",
	},
	"de": {
		VerificationSubject: "E-Mail-Adresse bestätigen",
		VerificationText:    "Dein Bestätigungscode lautet {code}. Er ist {minutes} Minuten gültig.",
		VerificationHTML: "<p>E-Mail-Adresse bestätigen</p>" +
			"<p>Nutze den folgenden Code, um deine E-Mail-Adresse zu bestätigen.</p>" +
			"<p><strong>{code}</strong></p>" +
			"<p>Der Code läuft in {minutes} Minuten ab.</p>" +
			"<p>Wenn du das nicht angefordert hast, kannst du diese E-Mail ignorieren.</p>",

		PasswordResetSubject: "Passwort zurücksetzen",
		PasswordResetText:    "Passwort zurücksetzen: {link}\nDer Link läuft in {hours} Stunde(n) ab.\nWenn du das nicht angefordert hast, ignoriere diese E-Mail.",
		PasswordResetHTML: "<p>Passwort zurücksetzen</p>" +
			"<p>Klicke auf den Link, um dein Passwort zurückzusetzen.</p>" +
			"<p><a href=\"{link}\">Passwort zurücksetzen</a></p>" +
			"<p>Der Link läuft in {hours} Stunde(n) ab.</p>" +
			"<p>Wenn du das nicht angefordert hast, ignoriere diese E-Mail.</p>",

		SignInSubject: "Neue Anmeldung bei deinem Konto",
		SignInText: "Hallo {email},\n\nam {time} gab es eine neue Anmeldung.\n\n" +
			"IP: {ip}\nStandort: {location}\nGerät: {device}\n\n" +
			"Falls du das nicht warst, setze bitte dein Passwort zurück und melde andere Sitzungen ab.",
		SignInHTML: "<p>Hallo {email},</p>" +
			"<p>am <strong>{time}</strong> gab es eine neue Anmeldung.</p>" +
			"<ul><li><strong>IP:</strong> {ip}</li>" +
			"<li><strong>Standort:</strong> {location}</li>" +
			"<li><strong>Gerät:</strong> {device}</li></ul>" +
			"<p>Falls du das nicht warst, setze bitte dein Passwort zurück und melde andere Sitzungen ab.</p>",

		TwoFactorEnrollmentSubject: "Zwei-Faktor-Authentifizierung erforderlich",
		TwoFactorEnrollmentText: "Die Gruppe {group} verlangt, dass du die Zwei-Faktor-Authentifizierung für dein Konto aktivierst." +
			" Erledige das bitte vor {deadline}, sonst wirst du bei der nächsten Anmeldung zur Einrichtung aufgefordert.",
		TwoFactorEnrollmentHTML: "<p>Die Gruppe <strong>{group}</strong> verlangt, dass du die Zwei-Faktor-Authentifizierung für dein Konto aktivierst.</p>" +
			"<p>Erledige das bitte vor <strong>{deadline}</strong>, sonst wirst du bei der nächsten Anmeldung zur Einrichtung aufgefordert.</p>",

		PasswordExpiredSubject: "Dein Passwort ist abgelaufen",
		PasswordExpiredText:    "Dein Passwort ist abgelaufen. Bitte melde dich an und wähle ein neues Passwort, um wieder Zugriff auf dein Konto zu erhalten.",
		PasswordExpiredHTML: "<p>Dein Passwort ist abgelaufen.</p>" +
			"<p>Bitte melde dich an und wähle ein neues Passwort, um wieder Zugriff auf dein Konto zu erhalten.</p>",

		UnknownLocation: "Unbekannter Standort",
		UnknownDevice:   "Unbekanntes Gerät",
	},
}

func emailStringsForLocale(locale string) emailStrings {
	if s, ok := emailTranslations[locale]; ok {
		return s
	}
	return emailTranslations[DefaultLocale]
}

func renderTemplate(tmpl string, values map[string]string) string {
	out := tmpl
	for key, val := range values {
		out = strings.ReplaceAll(out, "{"+key+"}", val)
	}
	return out
}

func VerificationEmail(locale, code string, minutes int) EmailContent {
	s := emailStringsForLocale(locale)
	values := map[string]string{
		"code":    code,
		"minutes": strconv.Itoa(minutes),
	}
	return EmailContent{
		Subject: s.VerificationSubject,
		Text:    renderTemplate(s.VerificationText, values),
		HTML:    renderTemplate(s.VerificationHTML, values),
	}
}

func PasswordResetEmail(locale, link string, hours int) EmailContent {
	s := emailStringsForLocale(locale)
	values := map[string]string{
		"link":  link,
		"hours": strconv.Itoa(hours),
	}
	return EmailContent{
		Subject: s.PasswordResetSubject,
		Text:    renderTemplate(s.PasswordResetText, values),
		HTML:    renderTemplate(s.PasswordResetHTML, values),
	}
}

func SignInAlertEmail(locale, email, loginTime, ip, location, device string) EmailContent {
	s := emailStringsForLocale(locale)
	if strings.TrimSpace(location) == "" {
		location = s.UnknownLocation
	}
	if strings.TrimSpace(device) == "" {
		device = s.UnknownDevice
	}
	values := map[string]string{
		"email":    email,
		"time":     loginTime,
		"ip":       ip,
		"location": location,
		"device":   device,
	}
	return EmailContent{
		Subject: s.SignInSubject,
		Text:    renderTemplate(s.SignInText, values),
		HTML:    renderTemplate(s.SignInHTML, values),
	}
}

func TwoFactorEnrollmentEmail(locale, group, deadline string) EmailContent {
	s := emailStringsForLocale(locale)
	values := map[string]string{
		"group":    group,
		"deadline": deadline,
	}
	return EmailContent{
		Subject: s.TwoFactorEnrollmentSubject,
		Text:    renderTemplate(s.TwoFactorEnrollmentText, values),
		HTML:    renderTemplate(s.TwoFactorEnrollmentHTML, values),
	}
}

func PasswordExpiredEmail(locale string) EmailContent {
	s := emailStringsForLocale(locale)
	return EmailContent{
		Subject: s.PasswordExpiredSubject,
		Text:    s.PasswordExpiredText,
		HTML:    s.PasswordExpiredHTML,
	}
}
