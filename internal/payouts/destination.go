package payouts

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
)

var destinationValidator = validator.New(validator.WithRequiredStructEnabled())

// normalizeDestination trims the free-text fields and checks that exactly the
// detail block matching the method is present and well formed.
func normalizeDestination(dest models.PaymentDestination) (models.PaymentDestination, error) {
	method, err := enums.ParsePaymentMethod(string(dest.Method))
	if err != nil {
		return dest, invalidRequest("unsupported payment method", map[string]any{
			"payment_method": dest.Method,
			"supported":      enums.PaymentMethods(),
		})
	}
	dest.Method = method

	populated := 0
	for _, present := range []bool{dest.BankTransfer != nil, dest.MobileMoney != nil, dest.PayPal != nil} {
		if present {
			populated++
		}
	}
	if populated != 1 {
		return dest, invalidRequest("exactly one destination block must be provided", map[string]any{"payment_method": dest.Method})
	}

	var target any
	switch dest.Method {
	case enums.PaymentMethodBankTransfer:
		if dest.BankTransfer == nil {
			return dest, mismatchedDestination(dest.Method)
		}
		bt := *dest.BankTransfer
		bt.AccountName = strings.TrimSpace(bt.AccountName)
		bt.AccountNumber = strings.TrimSpace(bt.AccountNumber)
		bt.BankName = strings.TrimSpace(bt.BankName)
		dest.BankTransfer = &bt
		target = bt
	case enums.PaymentMethodMobileMoney:
		if dest.MobileMoney == nil {
			return dest, mismatchedDestination(dest.Method)
		}
		mm := *dest.MobileMoney
		mm.Provider = strings.TrimSpace(mm.Provider)
		mm.PhoneNumber = strings.TrimSpace(mm.PhoneNumber)
		mm.AccountName = strings.TrimSpace(mm.AccountName)
		dest.MobileMoney = &mm
		target = mm
	case enums.PaymentMethodPayPal:
		if dest.PayPal == nil {
			return dest, mismatchedDestination(dest.Method)
		}
		pp := *dest.PayPal
		pp.Email = strings.ToLower(strings.TrimSpace(pp.Email))
		dest.PayPal = &pp
		target = pp
	}

	if err := destinationValidator.Struct(target); err != nil {
		return dest, invalidRequest("destination details are incomplete", fieldErrors(err))
	}
	return dest, nil
}

func mismatchedDestination(method enums.PaymentMethod) error {
	return invalidRequest("destination details do not match the payment method", map[string]any{"payment_method": method})
}

func fieldErrors(err error) map[string]any {
	details := map[string]any{}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return details
	}
	for _, fe := range verrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return details
}
