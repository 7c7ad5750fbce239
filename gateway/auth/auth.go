package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"aetherlock/native/escrow"
)

var (
	// ErrInvalidSignature is returned when a challenge signature does not
	// recover to the claimed wallet.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrInvalidToken is returned for malformed, expired or mis-signed
	// bearer tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// VerifyPersonalSignature checks a personal_sign signature over message and
// confirms the recovering address matches wallet. The 65-byte signature may
// carry a legacy V of 27/28.
func VerifyPersonalSignature(wallet, message string, signature []byte) error {
	if len(signature) != 65 {
		return ErrInvalidSignature
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := accounts.TextHash([]byte(message))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return ErrInvalidSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), strings.TrimSpace(wallet)) {
		return ErrInvalidSignature
	}
	return nil
}

// TokenIssuer mints and validates the HS256 bearer tokens that bind a
// websocket or REST session to a wallet address.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewTokenIssuer constructs an issuer. TTL defaults to 24 hours when
// non-positive.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: signing secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, ttl: ttl, nowFn: time.Now}, nil
}

// SetNowFunc overrides the issuer clock (test hook).
func (t *TokenIssuer) SetNowFunc(now func() time.Time) {
	if now != nil {
		t.nowFn = now
	}
}

// Issue mints a token whose subject is the wallet address.
func (t *TokenIssuer) Issue(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return "", fmt.Errorf("auth: wallet required")
	}
	now := t.nowFn()
	claims := jwt.RegisteredClaims{
		Subject:   wallet,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify validates a bearer token and returns the wallet it binds.
func (t *TokenIssuer) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.nowFn))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	wallet := strings.TrimSpace(claims.Subject)
	if wallet == "" {
		return "", ErrInvalidToken
	}
	return wallet, nil
}

// EscrowReader is the slice of storage the gate needs.
type EscrowReader interface {
	EscrowGet(ctx context.Context, id string) (*escrow.Escrow, bool, error)
}

// Gate classifies a wallet's relationship to an escrow. It satisfies the
// escrow engine's ParticipantChecker.
type Gate struct {
	escrows EscrowReader
}

// NewGate constructs a participant gate over escrow storage.
func NewGate(escrows EscrowReader) *Gate {
	return &Gate{escrows: escrows}
}

// IsParticipant resolves the wallet's role on the escrow. A missing escrow
// or an unrelated wallet both resolve to RoleNone without error; storage
// failures propagate.
func (g *Gate) IsParticipant(ctx context.Context, escrowID, wallet string) (escrow.Role, error) {
	esc, ok, err := g.escrows.EscrowGet(ctx, escrowID)
	if err != nil {
		return escrow.RoleNone, err
	}
	if !ok {
		return escrow.RoleNone, nil
	}
	return esc.ParticipantRole(wallet), nil
}
