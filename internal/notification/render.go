package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	"text/template"
	"time"

	json "github.com/goccy/go-json"
)

// defaultContent はカスタム通知で本文が無い場合の本文。
const defaultContent = "You have a new notification"

// defaultEmailSubject は件名が無い場合のメール件名。
const defaultEmailSubject = "Notification from ShopEasy"

var funcs = template.FuncMap{"money": money}

var contentTemplates = map[Kind]*template.Template{
	KindOrderPlaced: template.Must(template.New("order_placed").Funcs(funcs).Parse(
		`Your order #{{.OrderID}} has been placed successfully.{{if .TotalAmount}} Total amount: ${{money .TotalAmount}}{{end}}`)),
	KindOrderShipped: template.Must(template.New("order_shipped").Parse(
		`Your order #{{.OrderID}} has been shipped.{{if .TrackingNumber}} Tracking number: {{.TrackingNumber}}.{{end}}`)),
	KindOrderCancelled: template.Must(template.New("order_cancelled").Parse(
		`Your order #{{.OrderID}} has been cancelled.{{if .Reason}} Reason: {{.Reason}}.{{end}}`)),
	KindOrderStatusChanged: template.Must(template.New("order_status_changed").Parse(
		`Your order #{{.OrderID}} status has been updated from {{.OldStatus}} to {{.NewStatus}}.`)),
}

var emailTemplate = htmltemplate.Must(htmltemplate.New("email").Funcs(htmltemplate.FuncMap{"money": money}).Parse(`<!DOCTYPE html>
<html>
<body>
<h2>{{.Subject}}</h2>
<p>{{.Content}}</p>
{{- if .Data.Items}}
<table>
<tr><th>Product</th><th>Quantity</th><th>Unit price</th></tr>
{{- range .Data.Items}}
<tr><td>{{.ProductID}}</td><td>{{.Quantity}}</td><td>{{if .UnitPrice}}${{money .UnitPrice}}{{end}}</td></tr>
{{- end}}
</table>
{{- end}}
</body>
</html>
`))

// money は金額を小数点以下2桁で表記する。数値として解釈できない場合はそのまま返す。
func money(n json.Number) string {
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return n.String()
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// defaultSubject は通知種別ごとのメール件名を返す。
func defaultSubject(k Kind) string {
	switch k {
	case KindOrderPlaced:
		return "Order Confirmation"
	case KindOrderShipped:
		return "Order Shipped"
	case KindOrderCancelled:
		return "Order Cancellation"
	case KindOrderStatusChanged:
		return "Order Status Update"
	default:
		return ""
	}
}

// RenderContent は通知データから本文を描画する。
func RenderContent(d Data) (string, error) {
	tmpl, ok := contentTemplates[d.Type]
	if !ok {
		if strings.TrimSpace(d.Content) == "" {
			return defaultContent, nil
		}
		return d.Content, nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("本文の描画に失敗: %s: %w", d.Type, err)
	}
	return buf.String(), nil
}

// RenderEmail は通知レコードからメールの件名とHTML本文を描画する。
func RenderEmail(r Record) (subject, html string, err error) {
	subject = r.Data.Subject
	if subject == "" {
		subject = defaultEmailSubject
	}
	var buf bytes.Buffer
	err = emailTemplate.Execute(&buf, struct {
		Subject string
		Content string
		Data    Data
	}{Subject: subject, Content: r.Content, Data: r.Data})
	if err != nil {
		return "", "", fmt.Errorf("メール本文の描画に失敗: %w", err)
	}
	return subject, buf.String(), nil
}

var verificationTemplate = htmltemplate.Must(htmltemplate.New("verification").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Your verification code is <strong>{{.Code}}</strong>.</p>
<p>The code expires in {{.Minutes}} minutes.</p>
</body>
</html>
`))

// RenderVerificationEmail は確認コードのメール件名と本文を描画する。
func RenderVerificationEmail(code string, ttl time.Duration) (subject, html string, err error) {
	var buf bytes.Buffer
	err = verificationTemplate.Execute(&buf, struct {
		Code    string
		Minutes int
	}{Code: code, Minutes: int(ttl.Minutes())})
	if err != nil {
		return "", "", fmt.Errorf("確認メールの描画に失敗: %w", err)
	}
	return "Verification Code", buf.String(), nil
}

// RenderVerificationSMS は確認コードのSMS本文を返す。
func RenderVerificationSMS(code string) string {
	return "Your verification code is " + code
}
