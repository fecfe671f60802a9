package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer  = "a2a-pay"
	loginDomain  = "a2a-pay/login/v1"
	defaultTTL   = 24 * time.Hour
	defaultSkew  = 5 * time.Minute
	minSecretLen = 16
)

var (
	// ErrInvalidSignature signals a login whose signature does not verify.
	ErrInvalidSignature = errors.New("identity: invalid signature")
	// ErrStaleLogin signals a login issued outside the accepted clock window.
	ErrStaleLogin = errors.New("identity: login outside accepted window")
	// ErrInvalidToken signals a bearer token that fails verification.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrWeakSecret signals a signing secret that is too short.
	ErrWeakSecret = errors.New("identity: token secret must be at least 16 bytes")
)

// Service exchanges signed logins for bearer tokens and verifies them.
type Service struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
	now    func() time.Time
}

// NewService creates a token service. Zero ttl or skew fall back to defaults.
func NewService(secret string, ttl, skew time.Duration) (*Service, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if skew <= 0 {
		skew = defaultSkew
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		skew:   skew,
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source, mainly for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// LoginMessage is the byte string a participant signs to log in.
func LoginMessage(id Identity, issuedAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%s", loginDomain, id, issuedAt.UTC().Format(time.RFC3339)))
}

// SignLogin builds a login request signed with key.
func SignLogin(key ed25519.PrivateKey, issuedAt time.Time) (LoginRequest, error) {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return LoginRequest{}, fmt.Errorf("identity: unexpected public key type")
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		return LoginRequest{}, err
	}
	issuedAt = issuedAt.UTC().Truncate(time.Second)
	return LoginRequest{
		Identity:  id,
		IssuedAt:  issuedAt,
		Signature: ed25519.Sign(key, LoginMessage(id, issuedAt)),
	}, nil
}

// Login verifies the signed request and returns a bearer token.
func (s *Service) Login(req LoginRequest) (LoginResult, error) {
	if req.Identity.IsZero() {
		return LoginResult{}, ErrMalformedIdentity
	}
	if len(req.Signature) != ed25519.SignatureSize ||
		!ed25519.Verify(req.Identity.PublicKey(), LoginMessage(req.Identity, req.IssuedAt), req.Signature) {
		return LoginResult{}, ErrInvalidSignature
	}

	now := s.now()
	if d := now.Sub(req.IssuedAt); d > s.skew || d < -s.skew {
		return LoginResult{}, ErrStaleLogin
	}

	expires := now.Add(s.ttl)
	token, err := s.generateToken(req.Identity, now, expires)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity: generate token: %w", err)
	}
	return LoginResult{Token: token, Identity: req.Identity, ExpiresAt: expires.UTC()}, nil
}

// VerifyToken validates a bearer token and returns the identity it was issued to.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return id, nil
}

func (s *Service) generateToken(id Identity, issued, expires time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   id.String(),
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
