// Package invoice renders order invoices and archives them to Cloud Storage.
package invoice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/money"
	"github.com/hanko-field/settlement/internal/services"
)

var invoiceTemplate = template.Must(template.New("invoice").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head><meta charset="utf-8"><title>Invoice {{.OrderID}}</title></head>
<body>
<h1>{{.Seller}}</h1>
<p>Invoice for order <strong>{{.OrderID}}</strong> dated {{.Date}}</p>
<p>{{.Customer.Name}}<br>{{.Address.Street}}<br>{{.Address.City}}, {{.Address.State}} {{.Address.PostalCode}}<br>{{.Address.Country}}</p>
<table>
<thead><tr><th>Item</th><th>Qty</th><th>Unit price</th><th>Amount</th></tr></thead>
<tbody>
{{- range .Lines}}
<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.Total}}</td></tr>
{{- end}}
</tbody>
</table>
<p>Subtotal: {{.Subtotal}}</p>
<p>Shipping: {{.Shipping}}</p>
{{- if .HasDiscount}}
<p>Discount{{if .CouponCode}} ({{.CouponCode}}){{end}}: -{{.Discount}}</p>
{{- end}}
<p><strong>Total: {{.Total}}</strong></p>
</body>
</html>
`))

type invoiceLine struct {
	Name      string
	Quantity  int
	UnitPrice string
	Total     string
}

type invoiceView struct {
	Lang        string
	Seller      string
	OrderID     string
	Date        string
	Customer    domain.Customer
	Address     domain.Address
	Lines       []invoiceLine
	Subtotal    string
	Shipping    string
	Discount    string
	HasDiscount bool
	CouponCode  string
	Total       string
}

// HTMLRenderer renders an HTML invoice with locale aware currency amounts.
type HTMLRenderer struct {
	seller  string
	unit    currency.Unit
	tag     language.Tag
	printer *message.Printer
}

var _ services.InvoiceRenderer = (*HTMLRenderer)(nil)

// NewHTMLRenderer builds a renderer for an ISO 4217 currency code and a BCP 47 locale.
func NewHTMLRenderer(seller, currencyCode, locale string) (*HTMLRenderer, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(currencyCode))
	if err != nil {
		return nil, fmt.Errorf("invoice: currency %q: %w", currencyCode, err)
	}
	tag := language.Make("en-IN")
	if strings.TrimSpace(locale) != "" {
		if tag, err = language.Parse(locale); err != nil {
			return nil, fmt.Errorf("invoice: locale %q: %w", locale, err)
		}
	}
	if strings.TrimSpace(seller) == "" {
		seller = "Invoice"
	}
	return &HTMLRenderer{seller: seller, unit: unit, tag: tag, printer: message.NewPrinter(tag)}, nil
}

// RenderInvoice renders the order snapshot.
func (r *HTMLRenderer) RenderInvoice(_ context.Context, order domain.Order) ([]byte, error) {
	if r == nil {
		return nil, errors.New("invoice: renderer is nil")
	}
	if strings.TrimSpace(order.ID) == "" {
		return nil, errors.New("invoice: order id is required")
	}

	view := invoiceView{
		Lang:        r.tag.String(),
		Seller:      r.seller,
		OrderID:     order.ID,
		Date:        order.CreatedAt.UTC().Format("02 Jan 2006"),
		Customer:    order.Customer,
		Address:     order.Address,
		Subtotal:    r.Format(order.Subtotal),
		Shipping:    r.Format(order.Shipping),
		Discount:    r.Format(order.Discount),
		HasDiscount: order.Discount.IsPositive(),
		CouponCode:  order.CouponCode,
		Total:       r.Format(order.Total),
	}
	for _, item := range order.Items {
		view.Lines = append(view.Lines, invoiceLine{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: r.Format(item.UnitPrice()),
			Total:     r.Format(item.UnitPrice().Mul(decimal.NewFromInt(int64(item.Quantity)))),
		})
	}

	var buf bytes.Buffer
	if err := invoiceTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("invoice: render %s: %w", order.ID, err)
	}
	return buf.Bytes(), nil
}

// Format renders amount with the currency symbol and locale grouping.
func (r *HTMLRenderer) Format(amount decimal.Decimal) string {
	symbol := r.printer.Sprint(currency.Symbol(r.unit))
	return r.printer.Sprintf("%s %v", symbol, number.Decimal(money.Float(money.Round2(amount)), number.Scale(2)))
}
