package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-pay/pkg/api"
	"github.com/Mindburn-Labs/helm-pay/pkg/authctx"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWriteProblem(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/mandates/intents", nil)
	w := httptest.NewRecorder()
	w.Header().Set(api.HeaderRequestID, "req-123")

	api.WriteProblem(w, req, http.StatusBadRequest, api.CodeBadRequest, "business_id is required")

	require.Equal(t, http.StatusBadRequest, w.Code)
	p := decodeProblem(t, w)
	assert.Equal(t, "https://helm-pay.dev/errors/bad-request", p.Type)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, 400, p.Status)
	assert.Equal(t, "business_id is required", p.Detail)
	assert.Equal(t, "/v1/mandates/intents", p.Instance)
	assert.Equal(t, "req-123", p.TraceID)
	assert.Equal(t, api.CodeBadRequest, p.Code)
}

func TestWriteProblem_WithoutRequest(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteProblem(w, nil, http.StatusConflict, api.CodeInvalidState, "already settled")

	p := decodeProblem(t, w)
	assert.Empty(t, p.Instance)
	assert.Equal(t, "Conflict", p.Title)
}

func TestWriteInternal_HidesCause(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/t1", nil)
	w := httptest.NewRecorder()
	api.WriteInternal(w, req, errors.New("pq: connection refused to host=10.0.0.1"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	p := decodeProblem(t, w)
	assert.NotContains(t, p.Detail, "10.0.0.1")
	assert.Equal(t, api.CodeInternal, p.Code)
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, httptest.NewRequest(http.MethodGet, "/v1/x", nil), 30)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, api.CodeRateLimited, decodeProblem(t, w).Code)
}

func TestWriteDomainError_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown mandate", fmt.Errorf("lookup: %w", mandate.ErrMandateNotFound), http.StatusNotFound, api.CodeNotFound},
		{"unknown transaction", payment.ErrTransactionNotFound, http.StatusNotFound, api.CodeNotFound},
		{"constraint", fmt.Errorf("%w: total exceeds max", mandate.ErrConstraintViolation), http.StatusUnprocessableEntity, api.CodeInvalidInput},
		{"payment method", payment.ErrPaymentMethodDenied, http.StatusUnprocessableEntity, api.CodeInvalidInput},
		{"revoked", mandate.ErrMandateRevoked, http.StatusForbidden, api.CodeNotAuthorized},
		{"consumed", mandate.ErrMandateAlreadyConsumed, http.StatusForbidden, api.CodeNotAuthorized},
		{"illegal transition", mandate.ErrIllegalTransition, http.StatusConflict, api.CodeInvalidState},
		{"transaction state", payment.ErrInvalidState, http.StatusConflict, api.CodeInvalidState},
		{"infrastructure", errors.New("disk on fire"), http.StatusInternalServerError, api.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/executions", nil)
			w := httptest.NewRecorder()
			api.WriteDomainError(w, req, tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeProblem(t, w).Code)
		})
	}
}

func TestWriteDomainError_Rejection(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/executions", nil)

	w := httptest.NewRecorder()
	api.WriteDomainError(w, req, &authctx.Rejection{Code: authctx.CodeRevoked, Detail: "mandate m1 revoked"})
	require.Equal(t, http.StatusForbidden, w.Code)
	problem := decodeProblem(t, w)
	assert.Equal(t, string(authctx.CodeRevoked), problem.Code)
	assert.Equal(t, problemTypeFor(authctx.CodeRevoked), problem.Type)
	assert.Equal(t, "/v1/executions", problem.Instance)

	w = httptest.NewRecorder()
	api.WriteDomainError(w, req, &authctx.Rejection{Code: authctx.CodeMissingMandate})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func problemTypeFor(code authctx.Code) string {
	return "https://helm-pay.dev/errors/" + strings.ToLower(strings.ReplaceAll(string(code), "_", "-"))
}
