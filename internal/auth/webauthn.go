package auth

import (
	"bytes"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// WebAuthnDevice is a hardware or platform authenticator registered as a
// second factor.
type WebAuthnDevice struct {
	ID              string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	SignCount       uint32
	Name            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (d WebAuthnDevice) ToWebAuthnCredential() webauthn.Credential {
	return webauthn.Credential{
		ID:              d.CredentialID,
		PublicKey:       d.PublicKey,
		AttestationType: d.AttestationType,
		Transport:       transportsToProtocol(d.Transports),
		Authenticator: webauthn.Authenticator{
			AAGUID:    d.AAGUID,
			SignCount: d.SignCount,
		},
	}
}

// WebAuthnUser wraps a user and its devices to satisfy the webauthn.User
// interface.
type WebAuthnUser struct {
	User        *User
	Credentials []webauthn.Credential
}

func NewWebAuthnUser(user *User, creds []webauthn.Credential) *WebAuthnUser {
	return &WebAuthnUser{User: user, Credentials: creds}
}

func (u *WebAuthnUser) WebAuthnID() []byte {
	id, err := uuid.Parse(u.User.ID)
	if err != nil {
		return []byte(u.User.ID)
	}
	var buf [16]byte
	copy(buf[:], id[:])
	return buf[:]
}

func (u *WebAuthnUser) WebAuthnName() string {
	return u.User.Username
}

func (u *WebAuthnUser) WebAuthnDisplayName() string {
	if u.User.Name != nil && strings.TrimSpace(*u.User.Name) != "" {
		return *u.User.Name
	}
	return u.User.Username
}

func (u *WebAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.Credentials
}

func (u *WebAuthnUser) WebAuthnIcon() string {
	return ""
}

func transportsToProtocol(values []string) []protocol.AuthenticatorTransport {
	out := make([]protocol.AuthenticatorTransport, 0, len(values))
	for _, v := range values {
		if val := strings.TrimSpace(v); val != "" {
			out = append(out, protocol.AuthenticatorTransport(val))
		}
	}
	return out
}

func ProtocolTransportsToStrings(ts []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t))
	}
	return out
}

func IsCredentialIDMatch(a, b []byte) bool {
	return bytes.Equal(a, b)
}
