package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt"
	bcrypt "golang.org/x/crypto/bcrypt"
)

const tokenTTL = 12 * time.Hour

var ErrUnauthorized = errors.New("unauthorized")

type Claims struct {
	Login string `json:"login"`
	jwt.StandardClaims
}

// Auth issues and checks admin tokens for the HTTP API.
type Auth struct {
	secret       []byte
	login        string
	passwordHash string
	now          func() time.Time
}

func NewAuth(cfg Config) *Auth {
	return &Auth{
		secret:       []byte(cfg.JWTSecret),
		login:        cfg.AdminLogin,
		passwordHash: cfg.AdminPasswordHash,
		now:          time.Now,
	}
}

func (a *Auth) Enabled() bool {
	return len(a.secret) > 0 && a.passwordHash != ""
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Login returns a signed token for valid admin credentials.
func (a *Auth) Login(login, password string) (string, error) {
	if !a.Enabled() || login != a.login || !checkPassword(a.passwordHash, password) {
		return "", ErrUnauthorized
	}
	return a.generateJWT(login)
}

func (a *Auth) generateJWT(login string) (string, error) {
	now := a.now()
	claims := &Claims{
		Login: login,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(tokenTTL).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Auth) validateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Login != a.login {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	if t := r.Header.Get("X-Authorization"); t != "" {
		return t
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (a *Auth) withJWTauthAdmin(handleFunc http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			WriteJSON(w, http.StatusServiceUnavailable, ApiError{Error: "admin api disabled"})
			return
		}
		if _, err := a.validateJWT(bearerToken(r)); err != nil {
			WriteJSON(w, http.StatusUnauthorized, ApiError{Error: "forbidden"})
			return
		}
		handleFunc(w, r)
	}
}
