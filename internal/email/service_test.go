package email

import (
	"net/smtp"
	"strings"
	"testing"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func capturingService(config Config) (*Service, *[]sentMail) {
	svc := NewService(config)
	sent := make([]sentMail, 0)
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return svc, &sent
}

var testConfig = Config{
	Host:     "smtp.example.com",
	Port:     "587",
	From:     "noreply@example.com",
	FromName: "Sitecraft",
}

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name:     "fully configured",
			config:   testConfig,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendFailsWhenNotConfigured(t *testing.T) {
	svc, sent := capturingService(Config{})
	if err := svc.SendEmail([]string{"a@example.com"}, "hi", "body"); err == nil {
		t.Fatal("expected error for unconfigured service")
	}
	if err := svc.SendWelcomeEmail("a@example.com", "Ann", ""); err == nil {
		t.Fatal("expected error for unconfigured service")
	}
	if len(*sent) != 0 {
		t.Fatalf("nothing should be sent, got %d", len(*sent))
	}
}

func TestSendCampaignEmailAddsUnsubscribeHeaderAndKeepsBody(t *testing.T) {
	svc, sent := capturingService(testConfig)

	body := `<p>Hi Ann</p><img src="https://sitecraft.test/t/o/msg_1" width="1" height="1">`
	if err := svc.SendCampaignEmail("ann@example.com", "Spring sale", body, "https://sitecraft.test/u/msg_1", "cmp_1"); err != nil {
		t.Fatalf("SendCampaignEmail: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(*sent))
	}
	mail := (*sent)[0]
	if mail.addr != "smtp.example.com:587" || mail.from != "noreply@example.com" {
		t.Fatalf("unexpected envelope %s %s", mail.addr, mail.from)
	}
	for _, want := range []string{
		"List-Unsubscribe: <https://sitecraft.test/u/msg_1>",
		"X-Sitecraft-Campaign: cmp_1",
		"Subject: Spring sale",
		"From: Sitecraft <noreply@example.com>",
		body,
	} {
		if !strings.Contains(mail.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendEscalationEmailRendersViolation(t *testing.T) {
	svc, sent := capturingService(testConfig)

	err := svc.SendEscalationEmail([]string{"oncall@example.com", "lead@example.com"}, EscalationData{
		Level:       2,
		SiteID:      "sit_1",
		SiteName:    "Acme",
		ViolationID: "vio_1",
		Metric:      "page_load",
		Severity:    "high",
		Observed:    4800,
		Threshold:   3000,
		RootCause:   "heavy_assets",
		Confidence:  72,
		Reason:      "remediation failed",
	})
	if err != nil {
		t.Fatalf("SendEscalationEmail: %v", err)
	}
	mail := (*sent)[0]
	if len(mail.to) != 2 {
		t.Fatalf("expected 2 recipients, got %v", mail.to)
	}
	for _, want := range []string{
		"Subject: [Sitecraft] Level 2 escalation: high page_load on Acme",
		"X-Sitecraft-Violation: vio_1",
		"4800.00 (threshold 3000.00)",
		"heavy_assets (72% confidence)",
		"remediation failed",
	} {
		if !strings.Contains(mail.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestRenderWelcomeTemplateEscapesUserName(t *testing.T) {
	html, err := renderTemplate(welcomeTemplate, WelcomeData{
		AppName:      "Sitecraft",
		UserName:     "<b>Ann</b>",
		DashboardURL: "https://sitecraft.test/app",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if strings.Contains(html, "<b>Ann</b>") {
		t.Error("user name should be escaped")
	}
	if !strings.Contains(html, "https://sitecraft.test/app") {
		t.Error("template should contain dashboard URL")
	}
}
