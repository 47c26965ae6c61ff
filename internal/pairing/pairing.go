// Package pairing issues short-lived one-time codes that let a new device
// open a session as an already known user.
package pairing

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/clock"
	"github.com/matheus3301/convsync/internal/syncerr"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// DefaultTTL is how long a code stays redeemable.
const DefaultTTL = 2 * time.Minute

// codeLen characters drawn from a 32-symbol alphabet without 0/O/1/I.
const (
	codeLen  = 8
	alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ErrInvalidCode is returned for unknown, expired or already used codes.
var ErrInvalidCode = errors.New("pairing: invalid or expired code")

// Code is an issued pairing code.
type Code struct {
	Code      string    `json:"code"`
	UserID    string    `json:"userId"`
	URL       string    `json:"url"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer holds outstanding codes.
type Issuer struct {
	clock   clock.Clock
	ttl     time.Duration
	baseURL string
	logger  *zap.Logger

	mu    sync.Mutex
	codes map[string]Code
}

// NewIssuer creates an Issuer. A zero ttl uses DefaultTTL.
func NewIssuer(clk clock.Clock, ttl time.Duration, baseURL string, logger *zap.Logger) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{clock: clk, ttl: ttl, baseURL: baseURL, logger: logger, codes: make(map[string]Code)}
}

func newCode() string {
	id := uuid.New()
	var b strings.Builder
	for i := range codeLen {
		b.WriteByte(alphabet[int(id[i])%len(alphabet)])
	}
	return b.String()
}

// Issue creates a code for userID.
func (i *Issuer) Issue(userID string) (Code, error) {
	if userID == "" {
		return Code{}, syncerr.Errorf(syncerr.MalformedPayload, "pairing.issue", "user id is required")
	}
	now := i.clock.Now()

	i.mu.Lock()
	defer i.mu.Unlock()
	code := newCode()
	for {
		if _, taken := i.codes[code]; !taken {
			break
		}
		code = newCode()
	}
	c := Code{
		Code:      code,
		UserID:    userID,
		URL:       i.baseURL + "?code=" + code,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	i.codes[code] = c
	i.logger.Info("pairing code issued", zap.String("user_id", userID), zap.Time("expires_at", c.ExpiresAt))
	return c, nil
}

// Redeem consumes a code and returns the user it was issued for. Codes are
// case-insensitive and work once.
func (i *Issuer) Redeem(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := i.clock.Now()

	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.codes[code]
	if !ok {
		return "", ErrInvalidCode
	}
	delete(i.codes, code)
	if !now.Before(c.ExpiresAt) {
		return "", ErrInvalidCode
	}
	return c.UserID, nil
}

// Sweep drops expired codes and returns how many it removed.
func (i *Issuer) Sweep() int {
	now := i.clock.Now()
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for k, c := range i.codes {
		if !now.Before(c.ExpiresAt) {
			delete(i.codes, k)
			n++
		}
	}
	return n
}

// Outstanding returns how many codes are held, expired or not.
func (i *Issuer) Outstanding() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.codes)
}

// PNG renders the code's URL as a QR image of size pixels.
func PNG(c Code, size int) ([]byte, error) {
	return qrcode.Encode(c.URL, qrcode.Medium, size)
}

// Terminal renders the code's URL as a QR block for a terminal.
func Terminal(c Code) (string, error) {
	qr, err := qrcode.New(c.URL, qrcode.Low)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}
