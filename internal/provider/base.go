package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/models"
)

// FieldRule is one entry of the JSON field-definition schemas stored in
// payment configs. The rules stay external data so provider field sets
// can change without a redeploy.
type FieldRule struct {
	Required bool   `json:"required"`
	Type     string `json:"type"`
	Mapped   string `json:"mapped,omitempty"`
}

type FieldRules map[string]FieldRule

// Base carries the per-request provider context shared by all adapters:
// the payment, the partner, the parsed config blob and the
// field-definition schemas.
type Base struct {
	Payment *models.Payment
	Partner *models.Partner
	HTTP    *HTTPClient

	config                map[string]any
	depositFields         FieldRules
	depositCallbackFields FieldRules
	withdrawFields        FieldRules
	terminalDepositFields map[string]FieldRules
}

func NewBase(payment *models.Payment, partner *models.Partner, cfg *models.PaymentConfig, httpClient *HTTPClient) (Base, error) {
	b := Base{Payment: payment, Partner: partner, HTTP: httpClient}

	if len(cfg.Config) > 0 {
		if err := json.Unmarshal(cfg.Config, &b.config); err != nil {
			return b, fmt.Errorf("payment %s: parse config: %w", payment.PaymentName, err)
		}
	}
	for _, f := range []struct {
		raw  []byte
		dest *FieldRules
	}{
		{cfg.DepositFields, &b.depositFields},
		{cfg.DepositCallbackFields, &b.depositCallbackFields},
		{cfg.WithdrawFields, &b.withdrawFields},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return b, fmt.Errorf("payment %s: parse field rules: %w", payment.PaymentName, err)
		}
	}
	if len(cfg.TerminalDepositFields) > 0 {
		if err := json.Unmarshal(cfg.TerminalDepositFields, &b.terminalDepositFields); err != nil {
			return b, fmt.Errorf("payment %s: parse terminal field rules: %w", payment.PaymentName, err)
		}
	}
	return b, nil
}

func (b *Base) Name() string { return b.Payment.PaymentName }

// HasCallback defaults to true; push-less adapters shadow it.
func (b *Base) HasCallback() bool { return true }

// ConfigString reads a string credential from the config blob.
func (b *Base) ConfigString(key string) string {
	if v, ok := b.config[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

// ConfigSection returns a nested config object, e.g. the terminal block.
func (b *Base) ConfigSection(key string) map[string]any {
	if v, ok := b.config[key].(map[string]any); ok {
		return v
	}
	return nil
}

func (b *Base) ValidateDepositFields(body Body) error {
	return validateFields(body, b.depositFields)
}

func (b *Base) ValidateDepositCallbackFields(body Body) error {
	return validateFields(body, b.depositCallbackFields)
}

func (b *Base) ValidateWithdrawFields(body Body) error {
	return validateFields(body, b.withdrawFields)
}

func (b *Base) ValidateTerminalDepositFields(action string, body Body) error {
	return validateFields(body, b.terminalDepositFields[action])
}

// MapTerminalDepositFields renames provider fields to their mapped keys.
func (b *Base) MapTerminalDepositFields(action string, body Body) Body {
	return mapFields(b.terminalDepositFields[action], body)
}

func validateFields(body Body, rules FieldRules) error {
	for key, rule := range rules {
		value, present := body[key]
		if rule.Required {
			if !present {
				return apperrors.NewValidation("The given data was invalid.", map[string][]string{
					key: {"The " + strings.ReplaceAll(key, "_", " ") + " field is required."},
				})
			}
		} else if !present || value == nil {
			continue
		}
		if err := validateType(rule.Type, key, value); err != nil {
			return err
		}
	}
	return nil
}

func validateType(fieldType, key string, value any) error {
	invalid := func(reason string) error {
		return apperrors.NewValidation("The given data was invalid.", map[string][]string{
			key: {"The " + strings.ReplaceAll(key, "_", " ") + " " + reason},
		})
	}

	if fieldType == "numeric" {
		switch v := value.(type) {
		case float64, int, int64:
			return nil
		case string:
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return invalid("is invalid format.")
			}
			return nil
		default:
			return invalid("is invalid format.")
		}
	}

	allowed := strings.Split(fieldType, "|")
	actual := typeName(value)
	for _, t := range allowed {
		if t == actual {
			return nil
		}
	}
	return invalid("is invalid type.")
}

func typeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "null"
	}
}

func mapFields(rules FieldRules, body Body) Body {
	result := Body{}
	for key, rule := range rules {
		if rule.Mapped == "" {
			continue
		}
		if rule.Type == "array" {
			if arr, ok := body[key].([]any); ok && len(arr) > 0 {
				result[rule.Mapped] = arr[0]
			} else {
				result[rule.Mapped] = ""
			}
		} else if v, ok := body[key]; ok {
			result[rule.Mapped] = v
		} else {
			result[rule.Mapped] = ""
		}
		delete(body, key)
	}
	for key, v := range body {
		if _, taken := result[key]; !taken {
			result[key] = v
		}
	}
	return result
}

// BodyAmount parses the amount field of a raw payload into a 2-decimal
// fixed-point value.
func BodyAmount(body Body) (decimal.Decimal, error) {
	switch v := body["amount"].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, apperrors.NewValidation("The given data was invalid.", map[string][]string{
				"amount": {"The amount is invalid format."},
			})
		}
		return d.Round(2), nil
	case float64:
		return decimal.NewFromFloat(v).Round(2), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return decimal.Zero, apperrors.NewValidation("The given data was invalid.", map[string][]string{
			"amount": {"The amount field is required."},
		})
	}
}

// BodyString reads a payload field as a string, tolerating numeric JSON.
func BodyString(body Body, key string) string {
	switch v := body[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}
