package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/repository"
)

func init() {
	Register("idram", func(base Base) Adapter { return &Idram{Base: base} })
}

// Idram is the reference wallet adapter. Deposits redirect the user to the
// Idram checkout form; the outcome arrives as a form-encoded callback
// signed with an MD5 digest of colon-joined fields. Withdrawals are a
// synchronous form-encoded call answered in k=v lines.
type Idram struct {
	Base
}

func (p *Idram) Deposit(_ context.Context, body Body, tx *models.Transaction) (*DepositResult, error) {
	fields := map[string]any{
		"EDP_REC_ACCOUNT": p.ConfigString("account_id"),
		"EDP_AMOUNT":      tx.Amount.StringFixed(2),
		"EDP_BILL_NO":     tx.InternalTransactionID,
		"EDP_DESCRIPTION": tx.Description,
		"EDP_LANGUAGE":    tx.Lang,
	}
	tx.AppendRequestData(fields)

	return &DepositResult{
		RedirectTo: p.ConfigString("deposit_url"),
		Details:    map[string]any{"form": fields},
	}, nil
}

func (p *Idram) TransactionKey(body Body) (repository.TransactionRef, error) {
	billNo := BodyString(body, "EDP_BILL_NO")
	if billNo == "" {
		return repository.TransactionRef{}, apperrors.NewValidation("The given data was invalid.", map[string][]string{
			"EDP_BILL_NO": {"The EDP_BILL_NO field is required."},
		})
	}
	return repository.TransactionRef{Field: "internal_transaction_id", Value: billNo}, nil
}

func (p *Idram) DepositCallback(_ context.Context, body Body, tx *models.Transaction) (*Ack, error) {
	callbackAmount, err := decimal.NewFromString(BodyString(body, "EDP_AMOUNT"))
	if err != nil || !callbackAmount.Equal(tx.Amount) {
		tx.SetStatus(models.StatusFailed)
		return nil, apperrors.NewAuthorization("Invalid callback amount")
	}

	// Precheck phase: Idram probes the endpoint before charging the
	// wallet. Echo OK and stay PENDING.
	if BodyString(body, "EDP_PRECHECK") == "YES" {
		if BodyString(body, "EDP_REC_ACCOUNT") != p.ConfigString("account_id") {
			return nil, apperrors.NewAuthorization("Invalid recipient account")
		}
		tx.SetStatus(models.StatusPending)
		tx.AppendResponseData(body)
		return TextAck("OK"), nil
	}

	if err := p.ValidateDepositCallbackFields(body); err != nil {
		return nil, err
	}
	if !p.validChecksum(body) {
		return nil, apperrors.NewAuthorization("Invalid checksum")
	}

	tx.ExternalTransactionID = BodyString(body, "EDP_TRANS_ID")
	tx.AppendResponseData(body)
	tx.SetStatus(models.StatusApproved)

	return TextAck("OK"), nil
}

func (p *Idram) Withdraw(ctx context.Context, body Body, tx *models.Transaction) (map[string]any, error) {
	amount := tx.Amount.StringFixed(2)
	walletID := BodyString(body, "wallet_id")

	form := url.Values{}
	form.Set("EDP_SOURCE_ACCOUNT", p.ConfigString("withdraw_account_id"))
	form.Set("EDP_DEST_ACCOUNT", walletID)
	form.Set("EDP_AMOUNT", amount)
	form.Set("EDP_REQUEST", tx.InternalTransactionID)

	// EDP_BILL_NO is intentionally empty in the digest.
	checksum := strings.Join([]string{
		p.ConfigString("withdraw_account_id"),
		amount,
		p.ConfigString("withdraw_secret_key"),
		walletID,
		"",
		tx.InternalTransactionID,
	}, ":")
	form.Set("EDP_CHECKSUM", md5Hex(checksum))

	tx.AppendRequestData(formToMap(form))

	content, err := p.HTTP.PostForm(ctx, "idram withdraw", p.ConfigString("withdraw_url"), form, 10*time.Second)
	if err != nil {
		return nil, err
	}

	tx.AppendResponseData(string(content))

	result := parseKVResponse(string(content))
	if _, ok := result["EDP_TRANS_ID"]; !ok {
		tx.SetStatus(models.StatusFailed)
		return nil, &apperrors.ProviderError{
			Message:     "Unexpected error from payment provider.",
			UserMessage: result["EDP_ERROR"],
			Request:     formToMap(form),
			Response:    result,
		}
	}

	tx.ExternalTransactionID = result["EDP_TRANS_ID"]
	tx.SetStatus(models.StatusApproved)

	out := make(map[string]any, len(result))
	for k, v := range result {
		out[k] = v
	}
	return out, nil
}

// validChecksum verifies the MD5 digest of the colon-joined callback
// fields, case-insensitively.
func (p *Idram) validChecksum(body Body) bool {
	digest := strings.Join([]string{
		p.ConfigString("account_id"),
		BodyString(body, "EDP_AMOUNT"),
		p.ConfigString("secret_key"),
		BodyString(body, "EDP_BILL_NO"),
		BodyString(body, "EDP_PAYER_ACCOUNT"),
		BodyString(body, "EDP_TRANS_ID"),
		BodyString(body, "EDP_TRANS_DATE"),
	}, ":")

	return strings.EqualFold(BodyString(body, "EDP_CHECKSUM"), md5Hex(digest))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func parseKVResponse(content string) map[string]string {
	result := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			result[k] = v
		}
	}
	return result
}

func formToMap(form url.Values) map[string]any {
	m := make(map[string]any, len(form))
	for k := range form {
		m[k] = form.Get(k)
	}
	return m
}
