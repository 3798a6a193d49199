// internal/billing/qr.go
package billing

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"oracle-dashboard/internal/models"
)

// URI-схемы кошельков для распространенных монет. Для остальных в QR кладется голый адрес.
var walletSchemes = map[string]string{
	"BTC":  "bitcoin",
	"LTC":  "litecoin",
	"ETH":  "ethereum",
	"TRX":  "tron",
	"DOGE": "dogecoin",
	"BCH":  "bitcoincash",
}

// PaymentURI: содержимое QR для платежа: адрес с суммой для крипты, ссылка на оплату для карты.
func PaymentURI(handle models.PaymentHandle) (string, error) {
	switch handle.Method {
	case models.PaymentMethodCrypto:
		if handle.PayAddress == "" {
			return "", fmt.Errorf("billing: payment %s has no pay address", handle.PaymentID)
		}
		scheme, ok := walletSchemes[strings.ToUpper(handle.PayCurrency)]
		if !ok {
			return handle.PayAddress, nil
		}
		uri := scheme + ":" + handle.PayAddress
		if handle.PayAmount != "" {
			uri += "?amount=" + handle.PayAmount
		}
		return uri, nil
	case models.PaymentMethodCard:
		if handle.AuthorizationURL == "" {
			return "", fmt.Errorf("billing: payment %s has no authorization url", handle.PaymentID)
		}
		return handle.AuthorizationURL, nil
	}
	return "", fmt.Errorf("%w: %s", ErrMethodNotSupported, handle.Method)
}

// PaymentQR рисует PNG с QR-кодом платежа.
func PaymentQR(handle models.PaymentHandle, size int) ([]byte, error) {
	uri, err := PaymentURI(handle)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(uri, qrcode.Medium, size)
}
