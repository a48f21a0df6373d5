package http

import (
	"net/http"
	"reflect"
	"strings"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type itemRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type paymentRequest struct {
	PaymentMethod string `json:"payment_method" validate:"required,oneof=card"`
	CardNumber    string `json:"card_number" validate:"required"`
	ExpiryMonth   int    `json:"expiry_month" validate:"required,min=1,max=12"`
	ExpiryYear    int    `json:"expiry_year" validate:"required"`
	CVV           string `json:"cvv" validate:"required,numeric"`
}

func (p paymentRequest) method() saga.PaymentMethod {
	return saga.PaymentMethod{
		Type: saga.PaymentMethodType(p.PaymentMethod),
		Card: &saga.Card{
			Number:      p.CardNumber,
			ExpiryMonth: p.ExpiryMonth,
			ExpiryYear:  p.ExpiryYear,
			CVV:         p.CVV,
		},
	}
}

type createOrderRequest struct {
	CustomerID      string          `json:"customer_id"`
	ShippingAddress string          `json:"shipping_address" validate:"required"`
	Items           []itemRequest   `json:"items" validate:"required,min=1,dive"`
	Payment         *paymentRequest `json:"payment" validate:"omitempty"`
}

func (r createOrderRequest) input() orders.CreateOrderInput {
	in := orders.CreateOrderInput{
		CustomerID:      r.CustomerID,
		ShippingAddress: r.ShippingAddress,
		Items:           make([]saga.Item, len(r.Items)),
	}
	for i, it := range r.Items {
		in.Items[i] = saga.Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	if r.Payment != nil {
		method := r.Payment.method()
		in.PaymentMethod = &method
	}
	return in
}

type submitPaymentRequest struct {
	OrderID       string           `json:"order_id" validate:"required"`
	Amount        *decimal.Decimal `json:"amount"`
	PaymentMethod string           `json:"payment_method" validate:"required,oneof=card"`
	CardNumber    string           `json:"card_number" validate:"required"`
	ExpiryMonth   int              `json:"expiry_month" validate:"required,min=1,max=12"`
	ExpiryYear    int              `json:"expiry_year" validate:"required"`
	CVV           string           `json:"cvv" validate:"required,numeric"`
}

func (r submitPaymentRequest) method() saga.PaymentMethod {
	return paymentRequest{
		PaymentMethod: r.PaymentMethod,
		CardNumber:    r.CardNumber,
		ExpiryMonth:   r.ExpiryMonth,
		ExpiryYear:    r.ExpiryYear,
		CVV:           r.CVV,
	}.method()
}

// newValidator reports fields by their JSON names.
func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bindAndValidate decodes the JSON body into out and validates it. On failure
// it writes a 400 and returns false.
func bindAndValidate(c *gin.Context, out any, v *validatorv10.Validate) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid_request_body", err.Error(), nil)
		return false
	}
	if err := v.Struct(out); err != nil {
		writeJSONError(c, http.StatusBadRequest, "validation_failed", "request failed validation", validationFields(err))
		return false
	}
	return true
}

func validationFields(err error) map[string]string {
	out := map[string]string{}
	ve, ok := err.(validatorv10.ValidationErrors)
	if !ok {
		out["body"] = err.Error()
		return out
	}
	for _, fe := range ve {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		out[field] = describeTag(fe)
	}
	return out
}

func describeTag(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must have at least " + fe.Param() + " entries"
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "numeric":
		return "must be numeric"
	default:
		return "failed " + fe.Tag()
	}
}
