// Package api serves the helm-pay HTTP interface. Every error response is an
// RFC 7807 problem document carrying a machine readable code.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/helm-pay/pkg/authctx"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

const problemTypeBase = "https://helm-pay.dev/errors/"

// Problem codes for failures that are not mandate rejections. Rejections
// carry their authctx code instead.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeNotFound             = "NOT_FOUND"
	CodeNotAuthorized        = "NOT_AUTHORIZED"
	CodeInvalidState         = "INVALID_STATE"
	CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeInternal             = "INTERNAL"
)

const internalDetail = "An unexpected error occurred. Please try again later."

// ProblemDetail is an RFC 7807 problem document.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
	Code    string `json:"code"`
}

func (p *ProblemDetail) Error() string {
	return p.Code + ": " + p.Detail
}

// problemType turns MANDATE_EXPIRED into <base>mandate-expired.
func problemType(code string) string {
	return problemTypeBase + strings.ToLower(strings.ReplaceAll(code, "_", "-"))
}

// WriteProblem writes a problem response. Instance and trace id come from r
// and the response's X-Request-ID when available.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	p := &ProblemDetail{
		Type:    problemType(code),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get(HeaderRequestID),
		Code:    code,
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteTooManyRequests writes 429 with Retry-After in whole seconds.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
}

// WriteInternal logs err and writes a 500 that does not reveal it.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	slog.ErrorContext(ctx, "internal server error", "path", r.URL.Path, "request_id", GetRequestID(ctx), "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, CodeInternal, internalDetail)
}

// WriteRejection writes a mandate rejection. A request presenting no mandate
// is 401; every other rejection is 403.
func WriteRejection(w http.ResponseWriter, r *http.Request, rej *authctx.Rejection) {
	status := http.StatusForbidden
	if rej.Code == authctx.CodeMissingMandate {
		status = http.StatusUnauthorized
	}
	WriteProblem(w, r, status, string(rej.Code), rej.Detail)
}

// WriteDomainError maps mandate and payment errors to problems: not found
// 404, input 422, authorization 403, state 409, anything else 500.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := authctx.AsRejection(err); ok {
		WriteRejection(w, r, rej)
		return
	}
	switch {
	case errors.Is(err, mandate.ErrMandateNotFound), errors.Is(err, payment.ErrTransactionNotFound):
		WriteProblem(w, r, http.StatusNotFound, CodeNotFound, err.Error())
	case payment.IsInputError(err):
		WriteProblem(w, r, http.StatusUnprocessableEntity, CodeInvalidInput, err.Error())
	case payment.IsAuthorizationError(err):
		WriteProblem(w, r, http.StatusForbidden, CodeNotAuthorized, err.Error())
	case payment.IsStateError(err):
		WriteProblem(w, r, http.StatusConflict, CodeInvalidState, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}
