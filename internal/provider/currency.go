package provider

import "github.com/example/paygate/internal/apperrors"

// currencyCodes maps ISO alpha codes to the numeric codes provider
// networks expect.
var currencyCodes = map[string]string{
	"AMD": "051",
	"USD": "840",
	"EUR": "978",
	"RUB": "643",
	"UAH": "980",
	"XOF": "952",
	"CAD": "124",
}

// CurrencyCode resolves an ISO alpha currency to its numeric code.
func CurrencyCode(currency string) (string, error) {
	code, ok := currencyCodes[currency]
	if !ok {
		return "", apperrors.NewValidation("The given data was invalid.", map[string][]string{
			"currency": {"The currency " + currency + " is not supported."},
		})
	}
	return code, nil
}
