package tool

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// totpPeriod and totpDigits follow the common authenticator defaults.
const (
	totpPeriod = 30 * time.Second
	totpDigits = 6
)

// TOTP generates time-based one-time passcodes so agents can complete 2FA
// flows against accounts the workflow owns. Secrets come from the node
// config at bind time, never from model input.
type TOTP struct {
	secrets map[string]string
	now     func() time.Time
}

// NewTOTP creates the tool over a map of account name to base32 secret.
func NewTOTP(secrets map[string]string) *TOTP {
	return &TOTP{secrets: secrets, now: time.Now}
}

func (t *TOTP) Name() string { return "get_totp_code" }

func (t *TOTP) Description() string {
	return "Returns the current one-time passcode for a configured account."
}

func (t *TOTP) Schema() map[string]any {
	return objectSchema(map[string]any{
		"account": map[string]any{
			"type":        "string",
			"description": "The configured account to generate a code for.",
		},
	}, "account")
}

// Call resolves the account's secret and derives the current code.
func (t *TOTP) Call(_ context.Context, input map[string]any) (map[string]any, error) {
	account := stringInput(input, "account")
	secret, ok := t.secrets[account]
	if !ok {
		return nil, flow.Errf(flow.CodeValidation, "no TOTP secret configured for account %q", account)
	}

	now := t.now().UTC()
	code, err := totpCode(secret, now)
	if err != nil {
		return nil, err
	}
	remaining := totpPeriod - time.Duration(now.Unix()%int64(totpPeriod/time.Second))*time.Second
	return map[string]any{
		"code":               code,
		"expires_in_seconds": int(remaining / time.Second),
	}, nil
}

// totpCode implements RFC 6238 with SHA-1 and six digits.
func totpCode(secret string, at time.Time) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(normalized, "="))
	if err != nil {
		return "", flow.Wrap(flow.CodeValidation, "TOTP secret is not valid base32", err)
	}

	counter := uint64(at.Unix()) / uint64(totpPeriod/time.Second)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", value%1000000), nil
}
