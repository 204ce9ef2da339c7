package utils

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"waflow/models"

	"gopkg.in/gomail.v2"
)

// Mailer sends transactional notification emails. It satisfies the
// dispatcher's CampaignNotifier interface.
type Mailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

func NewMailer(host string, port int, username, password, from string) *Mailer {
	return &Mailer{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		FromName: "WaFlow",
	}
}

var campaignSummaryTemplate = template.Must(template.New("campaign_summary").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { color: #2c3e50; border-bottom: 1px solid #eee; padding-bottom: 10px; }
        .stats { margin: 20px 0; }
        .stats td { padding: 4px 12px 4px 0; }
        .error { color: #c0392b; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <div class="header">
        <h2>Campaign "{{.CampaignName}}" {{.Outcome}}</h2>
    </div>

    <table class="stats">
        <tr><td>Recipients</td><td>{{.Total}}</td></tr>
        <tr><td>Sent</td><td>{{.Sent}}</td></tr>
        <tr><td>Failed</td><td>{{.Failed}}</td></tr>
    </table>

    {{if .LastError}}<p class="error">{{.LastError}}</p>{{end}}

    <div class="footer">
        <p>© {{.Year}} WaFlow. All rights reserved.</p>
    </div>
</body>
</html>`))

// CampaignFinished emails the owner a summary when their campaign
// reaches a terminal state. Failures to send are logged by the caller's
// mail transport; notification is best-effort.
func (m *Mailer) CampaignFinished(user *models.User, campaign *models.Campaign) {
	outcome := "completed"
	if campaign.Status == models.CampaignFailed {
		outcome = "failed"
	}

	data := map[string]interface{}{
		"Subject":      fmt.Sprintf("Campaign %s %s", campaign.Name, outcome),
		"CampaignName": campaign.Name,
		"Outcome":      outcome,
		"Total":        campaign.TotalRecipients,
		"Sent":         campaign.SentCount,
		"Failed":       campaign.FailedCount,
		"LastError":    campaign.LastError,
		"Year":         time.Now().Year(),
	}

	var body bytes.Buffer
	if err := campaignSummaryTemplate.Execute(&body, data); err != nil {
		return
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.From, m.FromName)
	msg.SetHeader("To", user.Email)
	msg.SetHeader("Subject", data["Subject"].(string))
	msg.SetBody("text/html", body.String())

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	_ = dialer.DialAndSend(msg)
}
