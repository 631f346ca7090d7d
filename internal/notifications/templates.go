package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"

	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/mailer"
)

type emailTemplate struct {
	subject string
	text    string
	html    *template.Template
}

var templates = map[enums.OutboxEventType]emailTemplate{
	enums.EventUserRegistered: {
		subject: "Welcome to the store",
		text:    "Hi {{.FirstName}},\n\nYour account is ready. Happy shopping!\n",
		html:    template.Must(template.New("welcome").Parse(`<p>Hi {{.FirstName}},</p><p>Your account is ready. Happy shopping!</p>`)),
	},
	enums.EventOrderPaid: {
		subject: "Order {{.OrderRef}} confirmed",
		text:    "Hi {{.FirstName}},\n\nWe received your payment of {{.Amount}} {{.Currency}} for order {{.OrderRef}}. We'll let you know when it ships.\n",
		html:    template.Must(template.New("order_paid").Parse(`<p>Hi {{.FirstName}},</p><p>We received your payment of <strong>{{.Amount}} {{.Currency}}</strong> for order {{.OrderRef}}. We'll let you know when it ships.</p>`)),
	},
	enums.EventOrderPaymentFailed: {
		subject: "Payment for order {{.OrderRef}} did not go through",
		text:    "Hi {{.FirstName}},\n\nYour payment for order {{.OrderRef}} failed{{if .Reason}} ({{.Reason}}){{end}}. You can retry with another payment method before the order expires.\n",
		html:    template.Must(template.New("payment_failed").Parse(`<p>Hi {{.FirstName}},</p><p>Your payment for order {{.OrderRef}} failed{{if .Reason}} ({{.Reason}}){{end}}. You can retry with another payment method before the order expires.</p>`)),
	},
	enums.EventOrderExpired: {
		subject: "Order {{.OrderRef}} expired",
		text:    "Hi {{.FirstName}},\n\nOrder {{.OrderRef}} was not paid in time and has expired. The items were returned to stock.\n",
		html:    template.Must(template.New("order_expired").Parse(`<p>Hi {{.FirstName}},</p><p>Order {{.OrderRef}} was not paid in time and has expired. The items were returned to stock.</p>`)),
	},
}

// emailData feeds every template. Unused fields stay empty.
type emailData struct {
	FirstName string
	OrderRef  string
	Amount    string
	Currency  string
	Reason    string
}

// render builds the message for eventType, or reports false when the event
// has no email.
func render(eventType enums.OutboxEventType, to recipient, data emailData) (mailer.Message, bool, error) {
	tpl, ok := templates[eventType]
	if !ok {
		return mailer.Message{}, false, nil
	}
	data.FirstName = to.FirstName
	if data.FirstName == "" {
		data.FirstName = "there"
	}

	subject, err := renderText(tpl.subject, data)
	if err != nil {
		return mailer.Message{}, false, err
	}
	text, err := renderText(tpl.text, data)
	if err != nil {
		return mailer.Message{}, false, err
	}
	var html bytes.Buffer
	if err := tpl.html.Execute(&html, data); err != nil {
		return mailer.Message{}, false, fmt.Errorf("render %s html: %w", eventType, err)
	}
	return mailer.Message{
		ToEmail:   to.Email,
		ToName:    to.FirstName,
		Subject:   subject,
		PlainText: text,
		HTML:      html.String(),
		Category:  categoryFor(eventType),
	}, true, nil
}

func renderText(src string, data emailData) (string, error) {
	var buf bytes.Buffer
	tpl, err := texttemplate.New("text").Parse(src)
	if err != nil {
		return "", err
	}
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func categoryFor(eventType enums.OutboxEventType) string {
	switch eventType {
	case enums.EventUserRegistered:
		return "welcome"
	case enums.EventOrderPaid:
		return "order_paid"
	case enums.EventOrderPaymentFailed:
		return "order_payment_failed"
	case enums.EventOrderExpired:
		return "order_expired"
	default:
		return string(eventType)
	}
}

func orderRef(id fmt.Stringer) string {
	ref := id.String()
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return "#" + ref
}

func formatAmount(cents int64) string {
	return product.FormatCents(cents)
}
