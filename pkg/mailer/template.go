package mailer

import (
	"bytes"
	"fmt"
	"html/template"
)

// VoucherEmailData feeds the bilingual voucher delivery template.
type VoucherEmailData struct {
	RecipientName   string
	CertificateEN   string
	CertificateAR   string
	VoucherCode     string
	ExpiresAt       string
	InstitutionName string
}

// BulkEmailData feeds the bulk-to-contact delivery template.
type BulkEmailData struct {
	ContactName     string
	CertificateEN   string
	CertificateAR   string
	InstitutionName string
	ExpiresAt       string
	Codes           []string
}

var voucherTmpl = template.Must(template.New("voucher").Parse(`
<div style="max-width:600px;margin:0 auto;font-family:Arial,Helvetica,sans-serif;color:#1a1a2e;">
  <div style="background:#16213e;padding:24px;text-align:center;">
    <h1 style="color:#ffffff;margin:0;">CertSouq</h1>
  </div>
  <div style="padding:32px 24px;">
    <p>Dear {{.RecipientName}},</p>
    <p>{{.InstitutionName}} has purchased a <strong>{{.CertificateEN}}</strong> exam voucher for you.</p>
    <div style="background:#f4f6fb;border-left:4px solid #0f3460;padding:16px;margin:20px 0;">
      <p style="margin:0;font-size:18px;"><strong>Voucher code:</strong> <code>{{.VoucherCode}}</code></p>
      <p style="margin:8px 0 0;">Valid until <strong>{{.ExpiresAt}}</strong></p>
    </div>
    <p>Redeem the code when scheduling your exam at Pearson VUE.</p>
    <hr style="border:none;border-top:1px solid #e0e0e0;margin:28px 0;">
    <div dir="rtl" style="text-align:right;">
      <p>عزيزي {{.RecipientName}}،</p>
      <p>قامت {{.InstitutionName}} بشراء قسيمة اختبار <strong>{{.CertificateAR}}</strong> لك.</p>
      <p><strong>رمز القسيمة:</strong> <code dir="ltr">{{.VoucherCode}}</code></p>
      <p>صالحة حتى <strong>{{.ExpiresAt}}</strong></p>
    </div>
  </div>
  <div style="background:#f4f6fb;padding:16px;text-align:center;font-size:12px;color:#666;">
    CertSouq &mdash; CompTIA Authorized Partner, Kingdom of Saudi Arabia
  </div>
</div>
`))

var bulkTmpl = template.Must(template.New("bulk").Parse(`
<div style="max-width:600px;margin:0 auto;font-family:Arial,Helvetica,sans-serif;color:#1a1a2e;">
  <div style="background:#16213e;padding:24px;text-align:center;">
    <h1 style="color:#ffffff;margin:0;">CertSouq</h1>
  </div>
  <div style="padding:32px 24px;">
    <p>Dear {{.ContactName}},</p>
    <p>Here are the <strong>{{.CertificateEN}}</strong> exam vouchers for {{.InstitutionName}}. All codes are valid until <strong>{{.ExpiresAt}}</strong>.</p>
    <ul style="background:#f4f6fb;padding:16px 32px;">
    {{range .Codes}}<li><code>{{.}}</code></li>
    {{end}}</ul>
    <p>Distribute the codes to your students; each code may be redeemed once.</p>
  </div>
  <div style="background:#f4f6fb;padding:16px;text-align:center;font-size:12px;color:#666;">
    CertSouq &mdash; CompTIA Authorized Partner, Kingdom of Saudi Arabia
  </div>
</div>
`))

// RenderVoucherEmail produces the per-student delivery message.
func RenderVoucherEmail(data VoucherEmailData) (Message, error) {
	buf := &bytes.Buffer{}
	if err := voucherTmpl.Execute(buf, data); err != nil {
		return Message{}, fmt.Errorf("render voucher email: %w", err)
	}
	return Message{
		ToName:   data.RecipientName,
		Subject:  fmt.Sprintf("Your %s exam voucher", data.CertificateEN),
		HTMLBody: buf.String(),
		TextBody: fmt.Sprintf("Your %s exam voucher code is %s (valid until %s).", data.CertificateEN, data.VoucherCode, data.ExpiresAt),
	}, nil
}

// RenderBulkEmail produces the single bulk message for an institutional contact.
func RenderBulkEmail(data BulkEmailData) (Message, error) {
	buf := &bytes.Buffer{}
	if err := bulkTmpl.Execute(buf, data); err != nil {
		return Message{}, fmt.Errorf("render bulk email: %w", err)
	}
	return Message{
		ToName:   data.ContactName,
		Subject:  fmt.Sprintf("%s exam vouchers for %s", data.CertificateEN, data.InstitutionName),
		HTMLBody: buf.String(),
		TextBody: fmt.Sprintf("%d %s exam voucher codes, valid until %s.", len(data.Codes), data.CertificateEN, data.ExpiresAt),
	}, nil
}
