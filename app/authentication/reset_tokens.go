package authentication

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stockroom/inventory-api/models"
)

// ErrInvalidResetToken covers every way a reset token can be unusable:
// malformed, expired, issued for another user or password, or already spent.
var ErrInvalidResetToken = errors.New("invalid reset token")

// ResetClaims are carried by a password reset token.
type ResetClaims struct {
	// Fingerprint ties the token to the password hash it was issued against.
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// Ledger remembers spent reset tokens until they expire.
type Ledger interface {
	// Consume marks id as spent and returns false if it already was.
	Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error)
}

// ResetTokens issues and checks single-use, time-boxed password reset tokens.
type ResetTokens struct {
	secret []byte
	ttl    time.Duration
	ledger Ledger
	now    func() time.Time
}

func NewResetTokens(secret string, ttl time.Duration, ledger Ledger) *ResetTokens {
	return &ResetTokens{
		secret: []byte(secret),
		ttl:    ttl,
		ledger: ledger,
		now:    time.Now,
	}
}

// Issue returns a signed reset token for u.
func (rt *ResetTokens) Issue(u *models.User) (string, error) {
	now := rt.now()
	claims := ResetClaims{
		Fingerprint: rt.fingerprint(u.PasswordHash),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatUint(uint64(u.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(rt.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(rt.secret)
}

// Verify checks that tokenStr was issued for u and its current password and
// has not expired. It does not consult the ledger.
func (rt *ResetTokens) Verify(u *models.User, tokenStr string) (*ResetClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ResetClaims{}, func(token *jwt.Token) (any, error) {
		return rt.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(strconv.FormatUint(uint64(u.ID), 10)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(rt.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResetToken, err)
	}

	claims, ok := token.Claims.(*ResetClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, ErrInvalidResetToken
	}
	if !hmac.Equal([]byte(claims.Fingerprint), []byte(rt.fingerprint(u.PasswordHash))) {
		return nil, ErrInvalidResetToken
	}
	return claims, nil
}

// Consume spends the token described by claims.
func (rt *ResetTokens) Consume(ctx context.Context, claims *ResetClaims) error {
	ok, err := rt.ledger.Consume(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidResetToken
	}
	return nil
}

func (rt *ResetTokens) fingerprint(passwordHash string) string {
	mac := hmac.New(sha256.New, rt.secret)
	mac.Write([]byte(passwordHash))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:12])
}

// EncodeUID turns a user id into the opaque segment used in reset links.
func EncodeUID(id uint) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatUint(uint64(id), 10)))
}

// DecodeUID reverses EncodeUID.
func DecodeUID(uid string) (uint, error) {
	raw, err := base64.RawURLEncoding.DecodeString(uid)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(string(raw), 10, 0)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}
