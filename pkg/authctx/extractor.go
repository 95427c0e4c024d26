// Package authctx turns an inbound mandate reference into a verified
// identity for mandate-gated endpoints.
package authctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

// Code is a machine-readable rejection reason.
type Code string

const (
	CodeMissingMandate   Code = "MISSING_MANDATE"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeExpired          Code = "EXPIRED"
	CodeWrongScope       Code = "WRONG_SCOPE"
	CodeRevoked          Code = "REVOKED"
	CodeConsumed         Code = "CONSUMED"
)

// Rejection is returned by Extract when the reference does not authorize the
// request. It is an error.
type Rejection struct {
	Code   Code
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Reference is what the caller presented: a bare mandate id, a mandate
// token, or both.
type Reference struct {
	MandateID string
	Token     string
}

// Scope is what the endpoint requires. Empty fields are not checked.
type Scope struct {
	BusinessID    string
	MandateType   mandate.Type
	PaymentMethod string
}

// Context is the verified identity handed to the API layer.
type Context struct {
	UserID     string
	BusinessID string
	Mandate    *mandate.Mandate
	// Intent is the governing intent: the mandate itself, or a cart's parent.
	Intent *mandate.Mandate
}

// Resolver loads and verifies a mandate. *mandate.Authority satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*mandate.Mandate, error)
}

// Extractor verifies mandate references.
type Extractor struct {
	resolver Resolver
	tokens   *TokenIssuer
	logger   *slog.Logger
}

func NewExtractor(resolver Resolver) *Extractor {
	return &Extractor{
		resolver: resolver,
		logger:   slog.Default().With("component", "authctx"),
	}
}

// WithTokens enables mandate bearer tokens.
func (e *Extractor) WithTokens(t *TokenIssuer) *Extractor {
	e.tokens = t
	return e
}

// Extract verifies ref against the mandate authority and checks scope.
// Authorization failures are *Rejection; any other error is infrastructure.
func (e *Extractor) Extract(ctx context.Context, ref Reference, scope Scope) (*Context, error) {
	id := strings.TrimSpace(ref.MandateID)
	token := strings.TrimSpace(ref.Token)
	if id == "" && token == "" {
		return nil, reject(CodeMissingMandate, "no mandate reference presented")
	}

	var claims *MandateClaims
	if token != "" {
		if e.tokens == nil {
			return nil, reject(CodeInvalidSignature, "mandate tokens are not accepted")
		}
		c, err := e.tokens.Verify(token)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				return nil, reject(CodeExpired, "mandate token expired")
			}
			return nil, reject(CodeInvalidSignature, "mandate token rejected: %v", err)
		}
		if id != "" && id != c.MandateID {
			return nil, reject(CodeWrongScope, "token is bound to a different mandate")
		}
		id = c.MandateID
		claims = c
	}

	m, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if claims != nil {
		if claims.Subject != m.SubjectUserID || claims.BusinessID != m.BusinessID || claims.MandateType != m.Type {
			e.logger.WarnContext(ctx, "mandate token disagrees with record", "mandate_id", m.ID)
			return nil, reject(CodeWrongScope, "token claims do not match mandate %s", m.ID)
		}
	}

	if scope.BusinessID != "" && scope.BusinessID != m.BusinessID {
		return nil, reject(CodeWrongScope, "mandate %s is not valid for business %s", m.ID, scope.BusinessID)
	}
	if scope.MandateType != "" && scope.MandateType != m.Type {
		return nil, reject(CodeWrongScope, "endpoint requires a %s mandate, got %s", scope.MandateType, m.Type)
	}

	intent := m
	if m.Type == mandate.TypeCart {
		intent, err = e.resolve(ctx, m.ParentID())
		if err != nil {
			return nil, err
		}
	}
	if scope.PaymentMethod != "" && !intent.Intent.Constraints.AllowsPaymentMethod(scope.PaymentMethod) {
		return nil, reject(CodeWrongScope, "payment method %s is not allowed by intent %s", scope.PaymentMethod, intent.ID)
	}

	return &Context{
		UserID:     m.SubjectUserID,
		BusinessID: m.BusinessID,
		Mandate:    m,
		Intent:     intent,
	}, nil
}

func (e *Extractor) resolve(ctx context.Context, id string) (*mandate.Mandate, error) {
	m, err := e.resolver.Resolve(ctx, id)
	if err == nil {
		return m, nil
	}
	switch {
	case errors.Is(err, mandate.ErrMandateNotFound):
		return nil, reject(CodeMissingMandate, "mandate %s not found", id)
	case errors.Is(err, mandate.ErrInvalidSignature):
		return nil, reject(CodeInvalidSignature, "mandate %s failed verification", id)
	case errors.Is(err, mandate.ErrMandateExpired), errors.Is(err, mandate.ErrMandateNotActive):
		return nil, reject(CodeExpired, "mandate %s expired", id)
	case errors.Is(err, mandate.ErrMandateRevoked):
		return nil, reject(CodeRevoked, "mandate %s revoked", id)
	case errors.Is(err, mandate.ErrMandateAlreadyConsumed):
		return nil, reject(CodeConsumed, "mandate %s already consumed", id)
	}
	return nil, fmt.Errorf("resolve mandate %s: %w", id, err)
}
