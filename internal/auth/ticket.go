// internal/auth/ticket.go
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TicketClaims identify one player admitted to one game server session.
type TicketClaims struct {
	RoomID     string `json:"room"`
	Generation uint64 `json:"gen"`
	GameName   string `json:"game"`
	Version    string `json:"ver"`
	Port       int    `json:"port"`
	Username   string `json:"name"`
	jwt.RegisteredClaims
}

// TicketSigner issues and verifies game join tickets. Game servers get the
// public key through their environment and verify tickets on connect.
type TicketSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	ttl  time.Duration
	now  func() time.Time
}

// NewTicketSigner generates a fresh ed25519 key pair. A zero ttl means
// tickets carry no expiry.
func NewTicketSigner(ttl time.Duration) (*TicketSigner, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key pair: %w", err)
	}
	return &TicketSigner{priv: priv, pub: pub, ttl: ttl, now: time.Now}, nil
}

// LoadTicketSigner reads a raw ed25519 key pair from disk.
func LoadTicketSigner(privatePath, publicPath string, ttl time.Duration) (*TicketSigner, error) {
	privData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	pubData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key file: %w", err)
	}
	if len(privData) != ed25519.PrivateKeySize || len(pubData) != ed25519.PublicKeySize {
		return nil, errors.New("ed25519 key files have the wrong size")
	}
	return &TicketSigner{
		priv: ed25519.PrivateKey(privData),
		pub:  ed25519.PublicKey(pubData),
		ttl:  ttl,
		now:  time.Now,
	}, nil
}

// PublicKeyBase64 is the verification key in the form passed to game servers.
func (s *TicketSigner) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Issue signs a ticket for userID.
func (s *TicketSigner) Issue(userID string, claims TicketClaims) (string, error) {
	now := s.now()
	claims.Subject = userID
	claims.IssuedAt = jwt.NewNumericDate(now)
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, &claims)
	return token.SignedString(s.priv)
}

// Verify parses a ticket and returns its claims if the signature and expiry hold.
func (s *TicketSigner) Verify(ticket string) (*TicketClaims, error) {
	claims := &TicketClaims{}
	t, err := jwt.ParseWithClaims(ticket, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.pub, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return nil, errors.New("invalid ticket")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing sub in ticket")
	}
	return claims, nil
}
