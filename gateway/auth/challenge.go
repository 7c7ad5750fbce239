package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrChallengeUnknown is returned when a login attempt references a nonce
// that was never issued or has expired.
var ErrChallengeUnknown = errors.New("auth: unknown or expired challenge")

const defaultChallengeTTL = 5 * time.Minute

// Challenges issues single-use login nonces. A wallet proves key ownership
// by signing the challenge message; the nonce is consumed on first
// successful verification.
type Challenges struct {
	mu      sync.Mutex
	pending map[string]challengeEntry
	ttl     time.Duration
	nowFn   func() time.Time
}

type challengeEntry struct {
	wallet  string
	expires time.Time
}

// NewChallenges constructs the nonce registry. TTL defaults to five minutes
// when non-positive.
func NewChallenges(ttl time.Duration) *Challenges {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	return &Challenges{
		pending: make(map[string]challengeEntry),
		ttl:     ttl,
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the registry clock (test hook).
func (c *Challenges) SetNowFunc(now func() time.Time) {
	if now != nil {
		c.nowFn = now
	}
}

// Issue creates a fresh nonce for the wallet and returns the exact message
// the wallet must sign.
func (c *Challenges) Issue(wallet string) (nonce, message string) {
	nonce = uuid.NewString()
	c.mu.Lock()
	c.pending[nonce] = challengeEntry{
		wallet:  strings.TrimSpace(wallet),
		expires: c.nowFn().Add(c.ttl),
	}
	c.pruneLocked()
	c.mu.Unlock()
	return nonce, ChallengeMessage(wallet, nonce)
}

// ChallengeMessage is the canonical sign-in text for a wallet and nonce.
func ChallengeMessage(wallet, nonce string) string {
	return fmt.Sprintf("AetherLock sign-in\nWallet: %s\nNonce: %s", strings.TrimSpace(wallet), nonce)
}

// Consume verifies the signature over the issued challenge and retires the
// nonce. A nonce can be consumed at most once.
func (c *Challenges) Consume(wallet, nonce string, signature []byte) error {
	c.mu.Lock()
	entry, ok := c.pending[nonce]
	if ok {
		delete(c.pending, nonce)
	}
	c.mu.Unlock()
	if !ok || c.nowFn().After(entry.expires) {
		return ErrChallengeUnknown
	}
	if !strings.EqualFold(entry.wallet, strings.TrimSpace(wallet)) {
		return ErrChallengeUnknown
	}
	return VerifyPersonalSignature(wallet, ChallengeMessage(entry.wallet, nonce), signature)
}

func (c *Challenges) pruneLocked() {
	now := c.nowFn()
	for nonce, entry := range c.pending {
		if now.After(entry.expires) {
			delete(c.pending, nonce)
		}
	}
}
