// Package auth - jwt.go issues and verifies the HS256 access tokens returned by
// the login endpoint. The signing secret comes from DEPLOYX_JWT_SECRET and is
// resolved once per process.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTSecretEnv names the environment variable holding the signing secret
const JWTSecretEnv = "DEPLOYX_JWT_SECRET"

const tokenIssuer = "deployx"

// DefaultTokenExpiry applies when the caller passes a zero expiry
const DefaultTokenExpiry = 30 * time.Minute

var (
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims is the payload of an access token. The subject is the user ID.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// IsDevMode reports whether the process runs in development mode, where
// missing secrets are replaced by ephemeral random ones.
func IsDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	return devMode == "true" || devMode == "1" ||
		os.Getenv("DEPLOYX_ENV") == "development" ||
		os.Getenv("GIN_MODE") == "debug"
}

func generateRandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// ValidateJWTSecret checks that a signing secret is configured. Outside dev
// mode a missing secret is fatal; call this at startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv(JWTSecretEnv)

		if secret == "" {
			if IsDevMode() {
				jwtSecret = generateRandomSecret()
				slog.Warn(JWTSecretEnv + " not set, using an ephemeral secret; sessions will not survive a restart")
			} else {
				jwtSecretErr = fmt.Errorf("%s is required outside development mode (generate one with: deployx-keygen)", JWTSecretEnv)
			}
			return
		}

		if len(secret) < 32 {
			slog.Warn(JWTSecretEnv+" is shorter than 32 characters", "length", len(secret))
		}
		jwtSecret = secret
	})

	return jwtSecretErr
}

// GetJWTSecret returns the validated secret. It panics if validation failed.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT signs an access token for the given user
func GenerateJWT(userID, username string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultTokenExpiry
	}

	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses a token and verifies signature, expiry and issuer
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}
