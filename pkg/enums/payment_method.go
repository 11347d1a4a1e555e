package enums

import (
	"fmt"
	"strings"
)

// PaymentMethod is the rail a payout is sent over. Each method has its own
// destination detail block on the payout request.
type PaymentMethod string

const (
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodMobileMoney  PaymentMethod = "mobile_money"
	PaymentMethodPayPal       PaymentMethod = "paypal"
)

// PaymentMethods lists the supported rails in display order.
func PaymentMethods() []PaymentMethod {
	return []PaymentMethod{PaymentMethodBankTransfer, PaymentMethodMobileMoney, PaymentMethodPayPal}
}

func (p PaymentMethod) String() string { return string(p) }

func (p PaymentMethod) IsValid() bool {
	switch p {
	case PaymentMethodBankTransfer, PaymentMethodMobileMoney, PaymentMethodPayPal:
		return true
	}
	return false
}

// ParsePaymentMethod accepts the wire value in any case.
func ParsePaymentMethod(value string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(value)))
	if !method.IsValid() {
		return "", fmt.Errorf("invalid payment method %q", value)
	}
	return method, nil
}
