// Package provider holds the payment-provider adapter abstraction. Every
// provider speaks its own wire protocol and signing scheme; adapters
// translate between that protocol and the uniform transaction lifecycle
// driven by the orchestrator.
package provider

import (
	"context"
	"encoding/json"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/repository"
)

// Body is a raw request or callback payload with provider-specific fields.
type Body map[string]any

// DepositResult is what a deposit call hands back to the caller: either a
// browser redirect target or a direct provider reference.
type DepositResult struct {
	RedirectTo string         `json:"redirect_to,omitempty"`
	Reference  string         `json:"reference,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Ack is the literal acknowledgement a provider expects in response to a
// callback. Getting it wrong keeps the provider's retry loop running.
type Ack struct {
	ContentType string
	Body        []byte
}

func TextAck(s string) *Ack {
	return &Ack{ContentType: "text/plain", Body: []byte(s)}
}

func JSONAck(v any) *Ack {
	raw, _ := json.Marshal(v)
	return &Ack{ContentType: "application/json", Body: raw}
}

// Adapter is the minimal contract every provider implements. The
// remaining capabilities are asserted per flow.
type Adapter interface {
	Name() string
	// HasCallback reports whether the provider pushes status changes.
	// Push-only providers must not be polled by reconciliation.
	HasCallback() bool
}

// Depositor starts a deposit at the provider. Must be idempotent with
// respect to the transaction's internal id: reusing the same id must not
// create a second charge.
type Depositor interface {
	Adapter
	Deposit(ctx context.Context, body Body, tx *models.Transaction) (*DepositResult, error)
}

// DepositCallbackHandler validates and applies an inbound deposit callback.
type DepositCallbackHandler interface {
	Adapter
	// TransactionKey extracts the transaction reference from the raw
	// callback payload.
	TransactionKey(body Body) (repository.TransactionRef, error)
	DepositCallback(ctx context.Context, body Body, tx *models.Transaction) (*Ack, error)
}

// Withdrawer submits a withdrawal to the provider. A connectivity failure
// must surface as apperrors.ConnectivityError, distinct from a
// provider-rejected ProviderError.
type Withdrawer interface {
	Adapter
	Withdraw(ctx context.Context, body Body, tx *models.Transaction) (map[string]any, error)
}

type WithdrawCallbackHandler interface {
	Adapter
	TransactionKey(body Body) (repository.TransactionRef, error)
	WithdrawCallback(ctx context.Context, body Body, tx *models.Transaction) (*Ack, error)
}

// StatusChecker actively polls the provider for transactions whose
// adapter lacks push callbacks.
type StatusChecker interface {
	Adapter
	CheckStatus(ctx context.Context, tx *models.Transaction) error
}

// AccountTransferrer moves money between two balances of the same user.
type AccountTransferrer interface {
	Adapter
	AccountTransfer(ctx context.Context, body Body, tx *models.Transaction) (map[string]any, error)
}

// Terminal is the unattended kiosk deposit flow with its own checksum
// scheme and literal response envelopes.
type Terminal interface {
	Adapter
	CheckTerminalToken(body Body) error
	TerminalCheck(ctx context.Context, body Body, platformUser map[string]any) (map[string]any, error)
	TerminalPayment(ctx context.Context, body Body, tx *models.Transaction) (map[string]any, error)
}
