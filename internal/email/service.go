// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppName  string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Sitecraft"
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}
	return s.config.From
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}

	var msg bytes.Buffer
	writeHeaders(&msg, to, s.fromHeader(), subject, nil)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s", body)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	return s.sendHTML(to, subject, htmlBody, nil)
}

func (s *Service) sendHTML(to []string, subject, htmlBody string, extra map[string]string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}
	msg := buildHTMLMessage(to, s.fromHeader(), subject, htmlBody, extra)
	return s.send(s.server, s.auth, s.config.From, to, msg)
}

func writeHeaders(msg *bytes.Buffer, to []string, from, subject string, extra map[string]string) {
	fmt.Fprintf(msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(msg, "From: %s\r\n", from)
	fmt.Fprintf(msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(msg, "MIME-Version: 1.0\r\n")
	for _, key := range []string{"List-Unsubscribe", "X-Sitecraft-Campaign", "X-Sitecraft-Violation"} {
		if value, ok := extra[key]; ok && value != "" {
			fmt.Fprintf(msg, "%s: %s\r\n", key, value)
		}
	}
}

func buildHTMLMessage(to []string, from, subject, htmlBody string, extra map[string]string) []byte {
	boundary := "boundary-sitecraft"

	var msg bytes.Buffer
	writeHeaders(&msg, to, from, subject, extra)
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type CampaignData struct {
	AppName        string
	Body           template.HTML
	UnsubscribeURL string
}

// SendCampaignEmail wraps an already personalised campaign body in the campaign layout.
// The body is trusted HTML produced by the campaign renderer.
func (s *Service) SendCampaignEmail(to, subject, htmlBody, unsubscribeURL, campaignID string) error {
	html, err := renderTemplate(campaignTemplate, CampaignData{
		AppName:        s.config.AppName,
		Body:           template.HTML(htmlBody),
		UnsubscribeURL: unsubscribeURL,
	})
	if err != nil {
		return fmt.Errorf("render campaign template: %w", err)
	}
	extra := map[string]string{"X-Sitecraft-Campaign": campaignID}
	if unsubscribeURL != "" {
		extra["List-Unsubscribe"] = "<" + unsubscribeURL + ">"
	}
	return s.sendHTML([]string{to}, subject, html, extra)
}

type EscalationData struct {
	AppName      string
	Level        int
	SiteID       string
	SiteName     string
	ViolationID  string
	Metric       string
	Severity     string
	Observed     float64
	Threshold    float64
	RootCause    string
	Confidence   float64 // percent
	Reason       string
	DashboardURL string
}

func (s *Service) SendEscalationEmail(to []string, data EscalationData) error {
	data.AppName = s.config.AppName
	subject := fmt.Sprintf("[%s] Level %d escalation: %s %s on %s", data.AppName, data.Level,
		data.Severity, data.Metric, firstNonEmpty(data.SiteName, data.SiteID))
	html, err := renderTemplate(escalationTemplate, data)
	if err != nil {
		return fmt.Errorf("render escalation template: %w", err)
	}
	return s.sendHTML(to, subject, html, map[string]string{"X-Sitecraft-Violation": data.ViolationID})
}

type WelcomeData struct {
	AppName      string
	UserName     string
	DashboardURL string
}

func (s *Service) SendWelcomeEmail(to, userName, dashboardURL string) error {
	data := WelcomeData{
		AppName:      s.config.AppName,
		UserName:     userName,
		DashboardURL: dashboardURL,
	}
	html, err := renderTemplate(welcomeTemplate, data)
	if err != nil {
		return fmt.Errorf("render welcome template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, "Welcome to "+data.AppName, html)
}

func renderTemplate(tmpl *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

const baseStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }`

var campaignTemplate = template.Must(template.New("campaign").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>` + baseStyle + `</style>
</head>
<body>
    {{.Body}}
    <div class="footer">
        <p>You are receiving this email because you subscribed to updates.</p>
        {{if .UnsubscribeURL}}<p><a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>{{end}}
    </div>
</body>
</html>`))

var escalationTemplate = template.Must(template.New("escalation").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Level {{.Level}} escalation</title>
    <style>` + baseStyle + `
        .alert { background: #fdecea; padding: 12px; border-radius: 4px; margin: 20px 0; }
        td { padding: 4px 12px 4px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}} SLA escalation</h1>
    </div>

    <div class="alert">
        <strong>Level {{.Level}}:</strong> {{.Reason}}
    </div>

    <table>
        <tr><td>Site</td><td>{{if .SiteName}}{{.SiteName}} ({{.SiteID}}){{else}}{{.SiteID}}{{end}}</td></tr>
        <tr><td>Metric</td><td>{{.Metric}}</td></tr>
        <tr><td>Severity</td><td>{{.Severity}}</td></tr>
        <tr><td>Observed</td><td>{{printf "%.2f" .Observed}} (threshold {{printf "%.2f" .Threshold}})</td></tr>
        {{if .RootCause}}<tr><td>Suspected cause</td><td>{{.RootCause}} ({{printf "%.0f" .Confidence}}% confidence)</td></tr>{{end}}
        <tr><td>Violation</td><td>{{.ViolationID}}</td></tr>
    </table>

    {{if .DashboardURL}}<p><a href="{{.DashboardURL}}" class="button">Open violation</a></p>{{end}}

    <div class="footer">
        <p>You receive this email because you are on the level {{.Level}} escalation list.</p>
    </div>
</body>
</html>`))

var welcomeTemplate = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Welcome to {{.AppName}}</title>
    <style>` + baseStyle + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>Your account is ready. Pick a template or start from a blank page to build your first site.</p>

    {{if .DashboardURL}}<p><a href="{{.DashboardURL}}" class="button">Open dashboard</a></p>{{end}}

    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`))
