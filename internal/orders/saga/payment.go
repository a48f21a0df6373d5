package saga

import (
	"strings"
	"time"
)

// PaymentMethodType tags the PaymentMethod variant.
type PaymentMethodType string

const PaymentMethodCard PaymentMethodType = "card"

// Card holds card details for the card variant.
type Card struct {
	Number      string `json:"number"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CVV         string `json:"cvv,omitempty"`
}

// PaymentMethod is the instrument charged by the PAYMENT step.
type PaymentMethod struct {
	Type PaymentMethodType `json:"type"`
	Card *Card             `json:"card,omitempty"`
}

// Validate returns field errors keyed by JSON path, or nil when the method is usable at now.
func (p PaymentMethod) Validate(now time.Time) map[string]string {
	fields := map[string]string{}
	switch p.Type {
	case PaymentMethodCard:
		if p.Card == nil {
			fields["payment_method.card"] = "card details are required"
			break
		}
		validateCard(*p.Card, now, fields)
	case "":
		fields["payment_method.type"] = "is required"
	default:
		fields["payment_method.type"] = "unsupported payment method " + string(p.Type)
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func validateCard(c Card, now time.Time, fields map[string]string) {
	number := strings.ReplaceAll(strings.ReplaceAll(c.Number, " ", ""), "-", "")
	if len(number) < 12 || len(number) > 19 || !allDigits(number) {
		fields["card_number"] = "must be 12 to 19 digits"
	} else if !luhn(number) {
		fields["card_number"] = "failed checksum"
	}
	if c.ExpiryMonth < 1 || c.ExpiryMonth > 12 {
		fields["expiry_month"] = "must be between 1 and 12"
	} else {
		year, month := now.Year(), int(now.Month())
		if c.ExpiryYear < year || (c.ExpiryYear == year && c.ExpiryMonth < month) {
			fields["expiry_year"] = "card is expired"
		}
	}
	if (len(c.CVV) != 3 && len(c.CVV) != 4) || !allDigits(c.CVV) {
		fields["cvv"] = "must be 3 or 4 digits"
	}
}

// DropCVV clears the card security code. It is only needed while the charge
// is in flight and must not be kept afterwards.
func (p *PaymentMethod) DropCVV() {
	if p != nil && p.Card != nil {
		p.Card.CVV = ""
	}
}

// Masked returns the card number with all but the last four digits hidden.
func (p PaymentMethod) Masked() string {
	if p.Card == nil {
		return ""
	}
	number := strings.ReplaceAll(strings.ReplaceAll(p.Card.Number, " ", ""), "-", "")
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func luhn(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
