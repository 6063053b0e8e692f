package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes is the minimum HS256 secret length accepted by NewVerifier.
const MinSecretBytes = 32

// Claims are the bearer credential claims the chat stack relies on.
type Claims struct {
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Participant returns the participant id carried by the claims.
func (c Claims) Participant() string {
	if id := strings.TrimSpace(c.ID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Subject)
}

// Verifier validates and issues HS256 bearer credentials.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier returns a Verifier for secret. An empty issuer disables the
// issuer check.
func NewVerifier(secret []byte, issuer string) (*Verifier, error) {
	if len(secret) < MinSecretBytes {
		return nil, OpError{Op: "identity.NewVerifier", Kind: ErrInvalidInput, Msg: "secret shorter than 32 bytes"}
	}
	return &Verifier{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Issue signs a credential for participantID valid for ttl.
func (v *Verifier) Issue(participantID, role string, ttl time.Duration) (string, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return "", OpError{Op: "identity.Issue", Kind: ErrInvalidInput, Msg: "empty participant id"}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := v.now()
	claims := Claims{
		ID:   participantID,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify checks signature, expiry and issuer and returns the claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	const op = "identity.Verify"

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, OpError{Op: op, Kind: ErrExpiredToken}
		}
		return Claims{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: err.Error()}
	}
	if claims.Participant() == "" {
		return Claims{}, OpError{Op: op, Kind: ErrNoSubject}
	}
	return claims, nil
}

// ParticipantFromToken extracts the participant id from a credential
// without verifying it. Clients use it to learn their own id; servers must
// use Verifier.Verify.
func ParticipantFromToken(token string) (string, error) {
	const op = "identity.ParticipantFromToken"

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return "", OpError{Op: op, Kind: ErrInvalidToken, Msg: err.Error()}
	}
	id := claims.Participant()
	if id == "" {
		return "", OpError{Op: op, Kind: ErrNoSubject}
	}
	return id, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(header[7:])
	return tok, tok != ""
}
