package myMiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"go-chat/internal/identity"
)

type staticIntrospector map[string]string

func (s staticIntrospector) Introspect(_ context.Context, token string) identity.Result {
	subject, ok := s[token]
	return identity.Result{Valid: ok, Subject: subject}
}

func TestAuthMiddleware(t *testing.T) {
	req := require.New(t)
	var seen string
	handler := NewAuthMiddleware(staticIntrospector{"good": "user-1"}).Handle(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = UserID(r.Context())
		}))

	cases := []struct {
		name   string
		header string
		query  string
		status int
		userID string
	}{
		{"bearer header", "Bearer good", "", http.StatusOK, "user-1"},
		{"query param", "", "good", http.StatusOK, "user-1"},
		{"invalid token", "Bearer bad", "", http.StatusUnauthorized, ""},
		{"missing token", "", "", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		seen = ""
		r := httptest.NewRequest(http.MethodGet, "/ws?token="+tc.query, nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		req.Equal(tc.status, w.Code, tc.name)
		req.Equal(tc.userID, seen, tc.name)
	}
}
