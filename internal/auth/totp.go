package auth

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30

type TOTPVerifier interface {
	Verify(secret, code string, at time.Time) bool
	Timestep(at time.Time) int64
	Generate(account string) (secret string, otpauthURL string, qrDataURL string, err error)
}

type TOTPService struct {
	Issuer string
	Skew   uint
}

func NewTOTPService(issuer string) *TOTPService {
	return &TOTPService{Issuer: issuer, Skew: 1}
}

// Verify accepts codes from the current timestep plus Skew steps of clock
// drift in either direction. Replay prevention is the caller's job via
// Timestep and UserRepository.ConsumeTimestep.
func (t *TOTPService) Verify(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      t.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// Timestep maps a wall clock instant onto the TOTP step counter.
func (t *TOTPService) Timestep(at time.Time) int64 {
	return at.Unix() / totpPeriod
}

func (t *TOTPService) Generate(account string) (string, string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.Issuer,
		AccountName: account,
		Period:      totpPeriod,
	})
	if err != nil {
		return "", "", "", err
	}

	secret := key.Secret()
	otpauth := key.URL()

	img, err := key.Image(200, 200)
	if err != nil {
		return secret, otpauth, "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return secret, otpauth, "", err
	}
	qr := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	return secret, otpauth, qr, nil
}
