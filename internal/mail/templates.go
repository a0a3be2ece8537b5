package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

var templates = template.Must(template.New("mail").Parse(`
{{define "layout-start"}}<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">{{end}}
{{define "layout-end"}}<hr><p style="color:#666; font-size: 12px;">If you did not expect this email you can ignore it.</p></div>{{end}}

{{define "secret-link"}}{{template "layout-start"}}
<h2>A secret was shared with you</h2>
<p>Open the link below to view it. It can be viewed only once.</p>
<p><a href="{{.URL}}">{{.URL}}</a></p>
{{if .ExpiresAt}}<p>The link expires on <strong>{{.ExpiresAt}}</strong>.</p>{{else}}<p>The link does not expire, but it stops working after the first view.</p>{{end}}
{{template "layout-end"}}{{end}}

{{define "otp-code"}}{{template "layout-start"}}
<h2>Verification code</h2>
<p>Hello {{.Username}},</p>
<p>Use the code below to finish signing in:</p>
<p style="font-size: 28px; letter-spacing: 4px; font-weight: bold;">{{.Code}}</p>
<p>This code expires in <strong>{{.TTL}}</strong>.</p>
{{template "layout-end"}}{{end}}

{{define "new-secret-request"}}{{template "layout-start"}}
<h2>A new secret was requested</h2>
<p>The recipient of a secret you shared opened its link after it stopped working and asked for a new one.</p>
<ul>
<li>Recipient: {{.Recipient}}</li>
<li>Shared on: {{.CreatedAt}}</li>
<li>Link status: {{.Status}}</li>
<li>Requested on: {{.RequestedAt}}</li>
</ul>
<p>Share a new secret with them if the request is expected.</p>
{{template "layout-end"}}{{end}}

{{define "login-notice"}}{{template "layout-start"}}
<h2>New sign-in to your account</h2>
<p>Hello {{.Username}},</p>
<ul>
<li>Time: {{.Time}}</li>
<li>IP address: {{.IP}}</li>
<li>Device: {{.UserAgent}}</li>
</ul>
<p>If this was not you, change your password now.</p>
{{template "layout-end"}}{{end}}
`))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), nil
}

// SecretLink builds the email carrying a one-time link. A nil expiresAt
// means the link never expires.
func SecretLink(to, url string, expiresAt *time.Time) (Message, error) {
	data := struct {
		URL       string
		ExpiresAt string
	}{URL: url}
	if expiresAt != nil {
		data.ExpiresAt = expiresAt.UTC().Format("2006-01-02 15:04 MST")
	}
	body, err := render("secret-link", data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "A secret was shared with you", HTML: body}, nil
}

// OTPCode builds the sign-in verification email.
func OTPCode(to, username, code string, ttl time.Duration, resend bool) (Message, error) {
	body, err := render("otp-code", struct {
		Username, Code string
		TTL            time.Duration
	}{username, code, ttl})
	if err != nil {
		return Message{}, err
	}
	subject := "Your verification code"
	if resend {
		subject = "Your new verification code"
	}
	return Message{To: to, Subject: subject, HTML: body}, nil
}

// LoginNotice builds the email sent after a completed sign-in.
func LoginNotice(to, username, ip, userAgent string, at time.Time) (Message, error) {
	if userAgent == "" {
		userAgent = "unknown device"
	}
	body, err := render("login-notice", struct {
		Username, IP, UserAgent, Time string
	}{username, ip, userAgent, at.UTC().Format(time.RFC1123)})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "New sign-in detected", HTML: body}, nil
}

// NewSecretRequest builds the email telling a sender that the recipient of
// a used or expired link wants a new secret.
func NewSecretRequest(to, recipient, status string, createdAt, requestedAt time.Time) (Message, error) {
	body, err := render("new-secret-request", struct {
		Recipient, Status, CreatedAt, RequestedAt string
	}{recipient, status, createdAt.UTC().Format(time.RFC1123), requestedAt.UTC().Format(time.RFC1123)})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "A new secret was requested", HTML: body}, nil
}
