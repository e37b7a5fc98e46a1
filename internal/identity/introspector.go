package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-chat/internal/api"
)

// Result of introspecting a token. Subject is the user id and is only
// meaningful when Valid is true.
type Result struct {
	Valid   bool
	Subject string
}

// Introspector never fails: any problem reaching a verdict means the token
// is treated as invalid.
type Introspector interface {
	Introspect(ctx context.Context, token string) Result
}

type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTIntrospector verifies HS256 tokens locally with a shared secret.
type JWTIntrospector struct {
	secret []byte
	log    *slog.Logger
}

func NewJWTIntrospector(secret string, log *slog.Logger) *JWTIntrospector {
	return &JWTIntrospector{secret: []byte(secret), log: log}
}

func (j *JWTIntrospector) Introspect(_ context.Context, tokenString string) Result {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.Subject == "" {
		j.log.Debug("Token rejected", "error", err)
		return Result{}
	}
	return Result{Valid: true, Subject: claims.Subject}
}

// Sign issues an HS256 token for userID. Used by tooling that shares the
// identity service secret.
func Sign(secret, userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "go-chat",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// RemoteIntrospector asks the identity service whether a token is valid and
// then reads the subject from the token itself.
type RemoteIntrospector struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	parser  *jwt.Parser
	log     *slog.Logger
}

func NewRemoteIntrospector(baseURL string, timeout time.Duration, log *slog.Logger) *RemoteIntrospector {
	return &RemoteIntrospector{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		parser:  jwt.NewParser(),
		log:     log,
	}
}

type introspectRequest struct {
	Token string `json:"token"`
}

type introspectResponse struct {
	Valid bool `json:"valid"`
}

func (r *RemoteIntrospector) Introspect(ctx context.Context, token string) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(introspectRequest{Token: token})
	if err != nil {
		return Result{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/auth/introspect", bytes.NewReader(body))
	if err != nil {
		return Result{}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		r.log.Error("Introspect failed", "error", err)
		return Result{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.log.Error("Introspect failed", "status", resp.StatusCode)
		return Result{}
	}

	var out api.Response[*introspectResponse]
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		r.log.Error("Introspect response unreadable", "error", err)
		return Result{}
	}
	if out.Result == nil || !out.Result.Valid {
		return Result{}
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := r.parser.ParseUnverified(token, claims); err != nil || claims.Subject == "" {
		r.log.Warn("Valid token without a subject", "error", err)
		return Result{}
	}
	return Result{Valid: true, Subject: claims.Subject}
}
