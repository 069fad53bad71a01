package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	app := &TeamChatApp{log: zap.New(core)}

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	app.errorHandler(panicHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	entries := logs.FilterMessage("panic").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "test panic", entries[0].ContextMap()["error"])
	}
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &TeamChatApp{log: zap.NewNop()}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	app.errorHandler(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func TestAuthMiddleware(t *testing.T) {
	app := &TeamChatApp{log: zap.NewNop(), signingKey: testSigningKey}
	valid, _ := app.createJwtForSession(3, "acme", time.Hour)
	expired, _ := app.createJwtForSession(3, "acme", -time.Hour)

	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		wantCode int
	}{
		{
			name:     "valid bearer token",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) },
			wantCode: http.StatusOK,
		},
		{
			name:     "valid cookie",
			setup:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: valid}) },
			wantCode: http.StatusOK,
		},
		{
			name:     "no token",
			setup:    func(*http.Request) {},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "expired token",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) },
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "garbage token",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer not-a-jwt") },
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var gotUser int
			var gotWorkspace string
			next := func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = UserId(r.Context())
				gotWorkspace = Workspace(r.Context())
				w.WriteHeader(http.StatusOK)
			}

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)
			rr := httptest.NewRecorder()
			app.authMiddleware(next)(rr, req)

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode == http.StatusOK {
				assert.Equal(t, 3, gotUser)
				assert.Equal(t, "acme", gotWorkspace)
				assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store")
			}
		})
	}
}
