package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims      auth.SessionClaims
	validateErr error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.validateErr
}

func runAuthorizeOperator(t *testing.T, handler *httpHandler) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/gift/start", http.NoBody)
	request.Header.Set("Authorization", "Bearer some-token")
	ctx.Request = request
	handler.authorizeOperator(ctx)
	return recorder, ctx
}

func TestAuthorizeOperatorLogsExpiredTokenAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{validateErr: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	recorder, _ := runAuthorizeOperator(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeOperatorLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{validateErr: errors.New("signature mismatch")},
		logger:   zap.New(core),
	}

	recorder, _ := runAuthorizeOperator(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeOperatorRejectsUnlistedWallet(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions:  stubSessionValidator{claims: auth.SessionClaims{Wallet: "0xviewer"}},
		operators: auth.NewOperatorPolicy([]string{"0xadmin"}),
		logger:    zap.New(core),
	}

	recorder, _ := runAuthorizeOperator(t, handler)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusForbidden)
	}
	if logs.FilterMessage("operator access denied").Len() != 1 {
		t.Fatalf("expected denial to be logged, got %v", logs.All())
	}
}

func TestAuthorizeOperatorAcceptsAllowlistedWallet(t *testing.T) {
	handler := &httpHandler{
		sessions:  stubSessionValidator{claims: auth.SessionClaims{Wallet: "0xadmin"}},
		operators: auth.NewOperatorPolicy([]string{"0xADMIN"}),
		logger:    zap.NewNop(),
	}

	recorder, ctx := runAuthorizeOperator(t, handler)

	if ctx.IsAborted() {
		t.Fatalf("expected request to continue, got status %d", recorder.Code)
	}
	if ctx.GetString(operatorWalletContextKey) != "0xadmin" {
		t.Fatalf("expected operator wallet in context")
	}
}

func TestAuthorizeOperatorIsOpenWithoutValidator(t *testing.T) {
	handler := &httpHandler{logger: zap.NewNop()}

	_, ctx := runAuthorizeOperator(t, handler)

	if ctx.IsAborted() {
		t.Fatalf("expected operator routes to stay open without a validator")
	}
}
