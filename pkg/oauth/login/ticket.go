package login

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTicketMismatch = errors.New("login ticket was issued for another authorization request")

// ticketClaims binds a rendered login form to one pending authorization.
type ticketClaims struct {
	PendingID string `json:"pid"`
	jwt.RegisteredClaims
}

// tickets signs and checks login form tickets. The signing key lives only in memory, so a
// restart invalidates every open form along with the pending authorizations it refers to.
type tickets struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

func newTickets(ttl time.Duration) (*tickets, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate ticket signing key: %w", err)
	}
	return &tickets{
		signingKey: key,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

func (t *tickets) issue(pendingID string) (string, error) {
	now := t.now()
	claims := ticketClaims{
		PendingID: pendingID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign login ticket: %w", err)
	}
	return signed, nil
}

func (t *tickets) verify(ticket, pendingID string) error {
	claims := &ticketClaims{}
	_, err := jwt.ParseWithClaims(ticket, claims, func(token *jwt.Token) (any, error) {
		return t.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid login ticket: %w", err)
	}

	if claims.PendingID != pendingID {
		return ErrTicketMismatch
	}
	return nil
}
