package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/models"
)

func init() {
	Register("easypay", func(base Base) Adapter { return &Easypay{Base: base} })
}

// Easypay drives the EasyPay wallet network: a check-wallet call followed
// by the payment call for withdrawals, terminal kiosk deposits with their
// own MD5 token scheme, and internal account transfers. EasyPay sends no
// push callbacks.
type Easypay struct {
	Base
}

// Wallet rejection messages that mean the destination can never receive
// the payout. These cancel the withdrawal instead of failing it so
// reconciliation does not retry.
var easypayNonRetryable = []string{
	"Service return bad data errorԴրամապանակը լիցքավորելու համար անհրաժեշտ է հավաստագրվել։",
	"Service return bad data errorՏվյալները բացակայում են",
}

func (p *Easypay) HasCallback() bool { return false }

func (p *Easypay) Withdraw(ctx context.Context, body Body, tx *models.Transaction) (map[string]any, error) {
	walletID := BodyString(body, "wallet_id")

	check := map[string]any{
		"CheckSum":    md5Hex(p.ConfigString("providerId") + walletID + p.ConfigString("withdrawToken")),
		"Password":    p.ConfigString("password"),
		"UserName":    p.ConfigString("username"),
		"InputValues": []string{walletID},
		"ProviderId":  p.ConfigString("providerId"),
	}
	tx.AppendRequestData(map[string]any{"check": check})

	content, err := p.HTTP.PostJSON(ctx, "easypay check", p.ConfigString("check_url"), check, 5*time.Second)
	if err != nil {
		return nil, err
	}

	var checkResult map[string]any
	if err := json.Unmarshal(content, &checkResult); err != nil {
		return nil, fmt.Errorf("easypay check: decode response: %w", err)
	}
	tx.AppendResponseData(map[string]any{"check": checkResult})

	if BodyString(checkResult, "ResponseCode") != "OK" {
		description := BodyString(checkResult, "ResponseDescription")
		if isNonRetryableWallet(description) {
			tx.SetStatus(models.StatusCanceled)
		} else {
			tx.SetStatus(models.StatusFailed)
		}
		return nil, &apperrors.ProviderError{
			Message:     "Unexpected error from payment provider.",
			UserMessage: description,
			Request:     check,
			Response:    checkResult,
		}
	}

	currencyISO, err := CurrencyCode(tx.Currency)
	if err != nil {
		return nil, err
	}

	amount := easypayAmount(tx.Amount)
	now := time.Now().In(yerevanTZ())
	dateFormatted := now.Format("200601021504")

	payment := map[string]any{
		"CheckSum":    md5Hex(p.ConfigString("providerId") + dateFormatted + walletID + amount + p.ConfigString("withdrawToken")),
		"Password":    p.ConfigString("password"),
		"UserName":    p.ConfigString("username"),
		"Amount":      amount,
		"Commission":  0,
		"CurrencyISO": currencyISO,
		"Inputs":      []string{walletID},
		"ProviderID":  p.ConfigString("providerId"),
		"RangeID":     "0",
		"SessionID":   tx.PartnerTransactionID,
		"SystemTime":  fmt.Sprintf("/Date(%d000+0400)/", now.Unix()),
	}
	tx.AppendRequestData(map[string]any{"payment": payment})

	content, err = p.HTTP.PostJSON(ctx, "easypay payment", p.ConfigString("payment_url"), payment, 30*time.Second)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(content, &result); err != nil {
		return nil, fmt.Errorf("easypay payment: decode response: %w", err)
	}
	tx.AppendResponseData(map[string]any{"payment": result})

	if BodyString(result, "ResponseCode") != "OK" {
		tx.SetStatus(models.StatusFailed)
		return nil, &apperrors.ProviderError{
			Message:     "Unexpected error from payment provider.",
			UserMessage: BodyString(result, "ResponseDescription"),
			Request:     payment,
			Response:    result,
		}
	}

	tx.ExternalTransactionID = BodyString(result, "PaymentSystemID")
	tx.SetStatus(models.StatusApproved)

	return result, nil
}

func (p *Easypay) CheckTerminalToken(body Body) error {
	token := p.terminalToken()
	hash := md5Hex(token + BodyString(body, "account_id") + BodyString(body, "amount") + BodyString(body, "external_transaction_id"))
	if BodyString(body, "Checksum") != hash {
		return apperrors.NewValidation("The given data was invalid.", map[string][]string{
			"Checksum": {"The Checksum is invalid."},
		})
	}
	return nil
}

func (p *Easypay) TerminalCheck(_ context.Context, body Body, platformUser map[string]any) (map[string]any, error) {
	token := p.terminalToken()
	hash := md5Hex(token + BodyString(body, "account_id") + BodyString(body, "lang"))
	if BodyString(body, "Checksum") != hash {
		return nil, apperrors.NewValidation("The given data was invalid.", map[string][]string{
			"Checksum": {"The Checksum is invalid."},
		})
	}

	if platformUser == nil {
		return map[string]any{
			"ResponseCode":    1,
			"ResponseMessage": "Բաժանորդը գտնված չէ",
			"Checksum":        md5Hex(token),
			"PropertyList":    []map[string]any{},
			"Debt":            0,
		}, nil
	}

	propertyList := []map[string]any{{"key": "Բաժանորդ", "value": platformUser["username"]}}
	rawList, _ := json.Marshal(propertyList)

	return map[string]any{
		"ResponseCode":    0,
		"ResponseMessage": "Ստուգումը հաջողությամբ կատարված է",
		"Checksum":        md5Hex(token + string(rawList)),
		"PropertyList":    propertyList,
		"Debt":            0,
	}, nil
}

func (p *Easypay) TerminalPayment(_ context.Context, body Body, tx *models.Transaction) (map[string]any, error) {
	token := p.terminalToken()
	dtTime := BodyString(body, "DtTime")

	data := map[string]any{
		"ResponseCode":    0,
		"ResponseMessage": "Վճարումը հաջողությամբ կատարված է",
		"DtTime":          dtTime,
		"PropertyList":    []map[string]any{{"key": "Վճարման կոդ", "value": tx.InternalTransactionID}},
		"Checksum":        md5Hex(token + dtTime),
	}
	tx.AppendRequestData(data)

	return data, nil
}

func (p *Easypay) AccountTransfer(ctx context.Context, body Body, tx *models.Transaction) (map[string]any, error) {
	var sourceAccount, destinationAccount string
	switch BodyString(body, "from") {
	case "sport":
		sourceAccount = p.nestedString("sport_account", "provider")
		destinationAccount = p.nestedString("casino_account", "provider")
	default:
		return nil, apperrors.NewValidation("The given data was invalid.", map[string][]string{
			"from": {"Transfers are only allowed from sport to casino."},
		})
	}

	amount := easypayAmount(tx.Amount)
	data := map[string]any{
		"amount":              amount,
		"source_account":      sourceAccount,
		"destination_account": destinationAccount,
		"signature":           md5Hex(sourceAccount + destinationAccount + amount + tx.PartnerTransactionID + p.ConfigString("token")),
		"transaction_id":      tx.PartnerTransactionID,
	}
	tx.AppendRequestData(data)

	content, err := p.HTTP.PostJSON(ctx, "easypay transfer", p.ConfigString("payment_url"), data, 20*time.Second)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(content, &result); err != nil {
		return nil, fmt.Errorf("easypay transfer: decode response: %w", err)
	}
	tx.AppendResponseData(result)

	if code, ok := result["ResponseCode"].(float64); !ok || code != 0 {
		tx.SetStatus(models.StatusFailed)
		return nil, &apperrors.ProviderError{
			Message:     "Unexpected error from payment provider.",
			UserMessage: BodyString(result, "ResponseMessage"),
			Request:     data,
			Response:    result,
		}
	}

	tx.ExternalTransactionID = BodyString(result, "utrno")
	tx.SetStatus(models.StatusApproved)

	return result, nil
}

func (p *Easypay) terminalToken() string {
	if terminal := p.ConfigSection("terminal"); terminal != nil {
		if token, ok := terminal["token"].(string); ok {
			return token
		}
	}
	return ""
}

func (p *Easypay) nestedString(section, key string) string {
	if s := p.ConfigSection(section); s != nil {
		if v, ok := s[key].(string); ok {
			return v
		}
	}
	return ""
}

// easypayAmount renders the amount the way EasyPay signs it: fractional
// digits only when present, so whole amounts carry no decimal point.
func easypayAmount(d decimal.Decimal) string {
	s := strings.TrimRight(d.StringFixed(2), "0")
	return strings.TrimRight(s, ".")
}

func isNonRetryableWallet(description string) bool {
	for _, msg := range easypayNonRetryable {
		if msg == description {
			return true
		}
	}
	return false
}

func yerevanTZ() *time.Location {
	loc, err := time.LoadLocation("Asia/Yerevan")
	if err != nil {
		return time.FixedZone("AMT", 4*60*60)
	}
	return loc
}
