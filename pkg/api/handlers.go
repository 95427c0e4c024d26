package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/helm-pay/pkg/authctx"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// MoneyJSON is a decimal amount on the wire. Amounts are strings so no
// client ever rounds through a float.
type MoneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m MoneyJSON) parse(field string) (finance.Money, error) {
	v, err := finance.ParseMoney(m.Amount, m.Currency)
	if err != nil {
		return finance.Money{}, fmt.Errorf("%w: %s: %w", mandate.ErrInvalidConstraint, field, err)
	}
	return v, nil
}

// ItemJSON is one cart line on the wire.
type ItemJSON struct {
	ServiceID string    `json:"service_id"`
	Name      string    `json:"name"`
	UnitPrice MoneyJSON `json:"unit_price"`
	Quantity  int64     `json:"quantity"`
}

func parseItems(in []ItemJSON) ([]mandate.Item, error) {
	items := make([]mandate.Item, 0, len(in))
	for i, it := range in {
		price, err := it.UnitPrice.parse(fmt.Sprintf("items[%d].unit_price", i))
		if err != nil {
			return nil, err
		}
		items = append(items, mandate.Item{
			ServiceID: it.ServiceID,
			Name:      it.Name,
			UnitPrice: price,
			Quantity:  it.Quantity,
		})
	}
	return items, nil
}

// IssueIntentRequest is the body of POST /v1/mandates/intents.
type IssueIntentRequest struct {
	UserID                string    `json:"user_id"`
	BusinessID            string    `json:"business_id"`
	Description           string    `json:"description"`
	MaxAmount             MoneyJSON `json:"max_amount"`
	AllowedPaymentMethods []string  `json:"allowed_payment_methods"`
	TTLSeconds            int64     `json:"ttl_seconds"`
}

// IssueCartRequest is the body of POST /v1/mandates/{id}/carts.
type IssueCartRequest struct {
	Items []ItemJSON `json:"items"`
}

// RevokeRequest is the body of POST /v1/mandates/{id}/revoke.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// WorkflowRequest is the body of POST /v1/workflows.
type WorkflowRequest struct {
	UserID                string     `json:"user_id"`
	BusinessID            string     `json:"business_id"`
	AgentID               string     `json:"agent_id"`
	Description           string     `json:"description"`
	Items                 []ItemJSON `json:"items"`
	MaxAmount             MoneyJSON  `json:"max_amount"`
	AllowedPaymentMethods []string   `json:"allowed_payment_methods"`
	PaymentMethodID       string     `json:"payment_method_id"`
	TTLSeconds            int64      `json:"ttl_seconds"`
}

// ExecuteRequest is the body of POST /v1/executions.
type ExecuteRequest struct {
	AgentID         string `json:"agent_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

// MandateResponse returns a mandate and, when tokens are enabled, a bearer
// token bound to it.
type MandateResponse struct {
	Mandate *mandate.Mandate `json:"mandate"`
	Token   string           `json:"token,omitempty"`
}

// WorkflowResponse returns the three records a workflow created.
type WorkflowResponse struct {
	*payment.WorkflowHandle
	CartToken string `json:"cart_token,omitempty"`
}

// TransactionList wraps a list so the top level stays an object.
type TransactionList struct {
	Transactions []*payment.Transaction `json:"transactions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ping != nil {
		if err := s.cfg.Ping(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIssueIntent(w http.ResponseWriter, r *http.Request) {
	var req IssueIntentRequest
	if !s.decode(w, r, "issue_intent", &req) {
		return
	}
	maxAmount, err := req.MaxAmount.parse("max_amount")
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	m, err := s.cfg.Authority.IssueIntent(r.Context(), mandate.IntentRequest{
		UserID:      req.UserID,
		BusinessID:  req.BusinessID,
		Description: req.Description,
		Constraints: mandate.Constraints{
			MaxAmount:             maxAmount,
			AllowedPaymentMethods: req.AllowedPaymentMethods,
			Currency:              maxAmount.Currency,
		},
		TTL: time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeMandate(w, r, http.StatusCreated, m)
}

func (s *Server) handleIssueCart(w http.ResponseWriter, r *http.Request) {
	var req IssueCartRequest
	if !s.decode(w, r, "issue_cart", &req) {
		return
	}
	items, err := parseItems(req.Items)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	m, err := s.cfg.Authority.IssueCart(r.Context(), chi.URLParam(r, "mandateID"), items)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.writeMandate(w, r, http.StatusCreated, m)
}

func (s *Server) handleGetMandate(w http.ResponseWriter, r *http.Request) {
	m, err := s.cfg.Authority.Get(r.Context(), chi.URLParam(r, "mandateID"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MandateResponse{Mandate: m})
}

func (s *Server) handleRevokeMandate(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if !s.decode(w, r, "revoke", &req) {
		return
	}
	id := chi.URLParam(r, "mandateID")
	if err := s.cfg.Authority.Revoke(r.Context(), id, req.Reason); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	m, err := s.cfg.Authority.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MandateResponse{Mandate: m})
}

func (s *Server) handleInitiateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowRequest
	if !s.decode(w, r, "workflow", &req) {
		return
	}
	maxAmount, err := req.MaxAmount.parse("max_amount")
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	items, err := parseItems(req.Items)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	handle, err := s.cfg.Orchestrator.InitiateWorkflow(r.Context(), payment.WorkflowRequest{
		UserID:            req.UserID,
		BusinessID:        req.BusinessID,
		AgentID:           req.AgentID,
		IntentDescription: req.Description,
		Items:             items,
		Constraints: mandate.Constraints{
			MaxAmount:             maxAmount,
			AllowedPaymentMethods: req.AllowedPaymentMethods,
			Currency:              maxAmount.Currency,
		},
		PaymentMethodID: req.PaymentMethodID,
		TTL:             time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	resp := WorkflowResponse{WorkflowHandle: handle}
	if s.cfg.Tokens != nil {
		token, err := s.cfg.Tokens.Issue(handle.CartMandate)
		if err != nil {
			WriteInternal(w, r, err)
			return
		}
		resp.CartToken = token
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleExecute runs behind the mandate middleware; the cart comes from the
// verified context, never from the body.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ac, ok := authctx.FromContext(r.Context())
	if !ok {
		WriteDomainError(w, r, &authctx.Rejection{Code: authctx.CodeMissingMandate, Detail: "no verified mandate"})
		return
	}
	var req ExecuteRequest
	if !s.decode(w, r, "execute", &req) {
		return
	}
	txn, err := s.cfg.Orchestrator.Execute(r.Context(), payment.ExecuteRequest{
		CartMandateID:   ac.Mandate.ID,
		AgentID:         req.AgentID,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	// Processor declines are reported through the transaction state.
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.cfg.Orchestrator.GetTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.cfg.Orchestrator.Cancel(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) handleListCartTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "mandateID")
	if _, err := s.cfg.Authority.Get(r.Context(), id); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	txns, err := s.cfg.Orchestrator.ListTransactions(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if txns == nil {
		txns = []*payment.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionList{Transactions: txns})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	err := s.schemas.Decode(r, schema, dst)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrInvalidRequest) {
		WriteProblem(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
		return false
	}
	WriteInternal(w, r, err)
	return false
}

func (s *Server) writeMandate(w http.ResponseWriter, r *http.Request, status int, m *mandate.Mandate) {
	resp := MandateResponse{Mandate: m}
	if s.cfg.Tokens != nil {
		token, err := s.cfg.Tokens.Issue(m)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "mandate token issuance failed", "mandate_id", m.ID, "error", err)
			WriteInternal(w, r, err)
			return
		}
		resp.Token = token
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
