package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// TOTPCode returns the one-time code for secret at t. An empty secret yields
// an empty code so callers can pass it through unconditionally.
func TOTPCode(secret string, t time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", nil
	}
	code, err := totp.GenerateCode(secret, t)
	if err != nil {
		return "", fmt.Errorf("generate totp code: %w", err)
	}
	return code, nil
}

// NewCredentials builds login credentials, deriving the OTP code from
// totpSecret when one is configured.
func NewCredentials(username, password, totpSecret string) (Credentials, error) {
	code, err := TOTPCode(totpSecret, time.Now())
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Username: username, Password: password, OTPCode: code}, nil
}
