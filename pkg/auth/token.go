package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
)

// clockSkew tolerates small drift between the issuing service and this one.
const clockSkew = 30 * time.Second

var (
	ErrTokenMissing = errors.New("missing bearer token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
)

var signingMethod = jwt.SigningMethodHS256

// Tokens verifies access tokens issued by the marketplace identity service.
// Mint exists for internal callers and tests that need a token signed with
// the shared secret.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens binds token handling to the JWT settings.
func NewTokens(cfg config.JWTConfig) *Tokens {
	return &Tokens{
		secret: []byte(cfg.Secret),
		issuer: strings.TrimSpace(cfg.Issuer),
		ttl:    cfg.Expiration(),
		now:    time.Now,
	}
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is optional and case-insensitive.
func BearerToken(header string) (string, error) {
	const scheme = "bearer"
	token := strings.TrimSpace(header)
	if len(token) >= len(scheme) && strings.EqualFold(token[:len(scheme)], scheme) &&
		(len(token) == len(scheme) || token[len(scheme)] == ' ') {
		token = strings.TrimSpace(token[len(scheme):])
	}
	if token == "" {
		return "", ErrTokenMissing
	}
	return token, nil
}

// Mint signs a token for payload valid for the configured lifetime.
func (t *Tokens) Mint(payload AccessTokenPayload) (string, error) {
	if err := t.configured(); err != nil {
		return "", err
	}
	if t.ttl <= 0 {
		return "", errors.New("jwt expiration minutes must be positive")
	}
	if err := checkIdentity(payload.UserID, payload.Role, payload.VendorID, payload.Capabilities); err != nil {
		return "", err
	}

	now := t.now().UTC()
	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}
	claims := AccessTokenClaims{
		UserID:       payload.UserID,
		VendorID:     payload.VendorID,
		Role:         payload.Role,
		Capabilities: payload.Capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   payload.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and lifetime, then returns the caller the
// token describes. Failures wrap ErrTokenExpired or ErrTokenInvalid.
func (t *Tokens) Verify(raw string) (Actor, error) {
	if err := t.configured(); err != nil {
		return Actor{}, err
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	claims := &AccessTokenClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Actor{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case err != nil:
		return Actor{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if err := checkIdentity(claims.UserID, claims.Role, claims.VendorID, claims.Capabilities); err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims.Actor(), nil
}

func (t *Tokens) configured() error {
	if len(t.secret) == 0 {
		return errors.New("jwt secret is required")
	}
	if t.issuer == "" {
		return errors.New("jwt issuer is required")
	}
	return nil
}

// checkIdentity enforces the role rules shared by minting and verification.
func checkIdentity(userID uuid.UUID, role enums.ActorRole, vendorID *uuid.UUID, caps []enums.Capability) error {
	if !role.IsValid() {
		return fmt.Errorf("invalid actor role %q", role)
	}
	if userID == uuid.Nil {
		return errors.New("user id is required")
	}
	if role == enums.ActorRoleVendor && (vendorID == nil || *vendorID == uuid.Nil) {
		return errors.New("vendor tokens require a vendor id")
	}
	for _, c := range caps {
		if !c.IsValid() {
			return fmt.Errorf("invalid capability %q", c)
		}
	}
	return nil
}
