package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the JWT is malformed or signature is invalid.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrExpiredToken is returned when the JWT has expired.
	ErrExpiredToken = errors.New("security: token expired")
)

// ProvenanceClaims records which tested source bytes a generated module
// was integrated from, so a later audit can confirm a registered module
// hasn't drifted from what the evolution engine actually validated.
type ProvenanceClaims struct {
	ModuleName  string `json:"module_name"`
	CycleID     string `json:"cycle_id"`
	ContentHash string `json:"content_hash"` // hex blake2b digest of the source
	IssuedAt    int64  `json:"iat"`
	ExpiresAt   int64  `json:"exp"`
}

// provenanceClaims wraps ProvenanceClaims for jwt-go compatibility.
type provenanceClaims struct {
	ModuleName  string `json:"module_name"`
	CycleID     string `json:"cycle_id"`
	ContentHash string `json:"content_hash"`
	jwt.RegisteredClaims
}

// IssueProvenanceToken mints a signed token attesting that moduleName's
// registered source matches contentHash as of this cycle.
func IssueProvenanceToken(moduleName, cycleID, contentHash string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := provenanceClaims{
		ModuleName:  moduleName,
		CycleID:     cycleID,
		ContentHash: contentHash,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyProvenanceToken parses and validates a provenance token, returning its claims.
func VerifyProvenanceToken(tokenStr string, secret []byte) (*ProvenanceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &provenanceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	pc, ok := token.Claims.(*provenanceClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &ProvenanceClaims{
		ModuleName:  pc.ModuleName,
		CycleID:     pc.CycleID,
		ContentHash: pc.ContentHash,
		IssuedAt:    pc.IssuedAt.Unix(),
		ExpiresAt:   pc.ExpiresAt.Unix(),
	}, nil
}
