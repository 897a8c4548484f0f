package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/models"
)

// Service handles sending notifications via various channels
type Service struct {
	config *config.Config
	client *resty.Client
	send   func(m *gomail.Message) error
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// TeamsMessage represents a Microsoft Teams message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var alertColors = map[string]string{
	"critical": "d13438",
	"urgent":   "ff8c00",
	"info":     "107c10",
}

// NewService creates a new notification service
func NewService(cfg *config.Config) *Service {
	s := &Service{
		config: cfg,
		client: resty.New().SetTimeout(30 * time.Second),
	}
	s.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
		return d.DialAndSend(m)
	}
	return s
}

// SendReport sends a digest via configured notification channels
func (s *Service) SendReport(ctx context.Context, report *models.Report) error {
	subject := fmt.Sprintf("Brand Mentions Digest - %s (%d mentions)", strings.Title(report.Period), report.TotalMentions())

	htmlBody, err := buildReportHTML(report)
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}

	return s.dispatch(ctx, "report", buildReportCard(report), subject, buildReportText(report), htmlBody)
}

// SendAlert sends an operational alert about the pipeline
func (s *Service) SendAlert(ctx context.Context, alert *models.Alert) error {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Type), alert.Title)
	text := fmt.Sprintf("%s\n\nAdapter: %s\nRaised: %s\n", alert.Message, alert.Source, alert.CreatedAt.UTC().Format(time.RFC1123))

	return s.dispatch(ctx, "alert", buildAlertCard(alert), subject, text, "")
}

func (s *Service) dispatch(ctx context.Context, kind string, card *TeamsMessage, subject, textBody, htmlBody string) error {
	var errors []string

	if s.config.TeamsWebhookURL != "" {
		if err := s.sendToTeams(ctx, card); err != nil {
			logrus.Errorf("Failed to send Teams %s: %v", kind, err)
			errors = append(errors, fmt.Sprintf("Teams: %v", err))
		} else {
			logrus.Infof("Successfully sent %s to Teams", kind)
		}
	}

	if s.config.NotificationEmail != "" {
		if err := s.sendEmail(subject, textBody, htmlBody); err != nil {
			logrus.Errorf("Failed to send %s email: %v", kind, err)
			errors = append(errors, fmt.Sprintf("Email: %v", err))
		} else {
			logrus.Infof("Successfully sent %s via email", kind)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errors, "; "))
	}
	return nil
}

func (s *Service) sendToTeams(ctx context.Context, message *TeamsMessage) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(s.config.TeamsWebhookURL)

	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() != 200 {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	return nil
}

func (s *Service) sendEmail(subject, textBody, htmlBody string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", textBody)
	if htmlBody != "" {
		m.AddAlternative("text/html", htmlBody)
	}

	if err := s.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func buildAlertCard(alert *models.Alert) *TeamsMessage {
	return &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: alertColors[alert.Type],
		Title:      alert.Title,
		Text:       alert.Message,
		Sections: []TeamsSection{{
			Facts: []TeamsFact{
				{Name: "Adapter", Value: alert.Source},
				{Name: "Severity", Value: alert.Type},
				{Name: "Raised", Value: alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC")},
			},
		}},
	}
}

func buildReportCard(report *models.Report) *TeamsMessage {
	message := &TeamsMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   fmt.Sprintf("Brand Mentions Digest - %s", strings.Title(report.Period)),
		Text:    fmt.Sprintf("Tracking %d brands, %d mentions in total", len(report.Snapshots), report.TotalMentions()),
	}

	for _, snap := range report.Snapshots {
		message.Sections = append(message.Sections, TeamsSection{
			ActivityTitle:    snap.Brand,
			ActivitySubtitle: fmt.Sprintf("Perception score %d/100", snap.Score),
			Facts: []TeamsFact{
				{Name: "Today", Value: fmt.Sprintf("%d posts, %d comments", snap.Daily.Posts, snap.Daily.Comments)},
				{Name: "All time", Value: fmt.Sprintf("%d posts, %d comments", snap.Total.Posts, snap.Total.Comments)},
				{Name: "Sentiment", Value: fmt.Sprintf("%d positive / %d neutral / %d negative",
					snap.Sentiment.Positive, snap.Sentiment.Neutral, snap.Sentiment.Negative)},
			},
			Markdown: true,
		})
	}

	if len(report.Recent) > 0 {
		limit := 5
		if len(report.Recent) < limit {
			limit = len(report.Recent)
		}

		var recent []string
		for _, mention := range report.Recent[:limit] {
			recent = append(recent, fmt.Sprintf("**[%s](%s)** - r/%s (%s, %s)",
				mentionHeadline(mention), mention.Permalink, mention.Subreddit, mention.Brand, mention.DisplaySentiment()))
		}

		message.Sections = append(message.Sections, TeamsSection{
			ActivityTitle: "Recent Mentions",
			ActivityText:  strings.Join(recent, "\n\n"),
			Markdown:      true,
		})
	}

	return message
}

const reportTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Brand Mentions Digest</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #0078d4; color: white; padding: 20px; border-radius: 5px; }
        .summary { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; }
        .mention { border-left: 4px solid #0078d4; padding: 10px; margin: 10px 0; background-color: #fafafa; }
        .mention-title { font-weight: bold; margin-bottom: 5px; }
        .mention-meta { color: #666; font-size: 0.9em; }
        .positive { border-left-color: #107c10; }
        .negative { border-left-color: #d13438; }
        .neutral { border-left-color: #605e5c; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Brand Mentions Digest</h1>
        <p>{{.Period | title}} digest generated on {{.GeneratedAt.Format "January 2, 2006 at 3:04 PM UTC"}}</p>
    </div>

    {{range .Snapshots}}
    <div class="summary">
        <h2>{{.Brand}} ({{.Score}}/100)</h2>
        <p><strong>Today:</strong> {{.Daily.Posts}} posts, {{.Daily.Comments}} comments</p>
        <p><strong>All time:</strong> {{.Total.Posts}} posts, {{.Total.Comments}} comments</p>
        <p><strong>Sentiment:</strong> {{.Sentiment.Positive}} positive, {{.Sentiment.Neutral}} neutral, {{.Sentiment.Negative}} negative</p>
    </div>
    {{end}}

    {{if .Recent}}
    <h2>Recent Mentions</h2>
    {{range $index, $mention := .Recent}}
        {{if lt $index 10}}
        <div class="mention {{if $mention.Sentiment}}{{$mention.Sentiment.Label}}{{else}}neutral{{end}}">
            <div class="mention-title">
                <a href="{{$mention.Permalink}}" target="_blank">{{headline $mention}}</a>
            </div>
            <div class="mention-meta">
                {{$mention.Brand}} | u/{{$mention.Author}} in r/{{$mention.Subreddit}} | {{$mention.CreatedAt.Format "Jan 2, 2006"}}
                {{if $mention.Score}} | Score: {{$mention.Score}}{{end}}
            </div>
            {{if $mention.Body}}
            <p>{{$mention.Body | truncate 200}}</p>
            {{end}}
        </div>
        {{end}}
    {{end}}
    {{end}}

    <hr>
    <p><small>This digest was generated automatically by the Brand Mentions Bot.</small></p>
</body>
</html>
`

var reportTmpl = template.Must(template.New("email").Funcs(template.FuncMap{
	"title":    strings.Title,
	"truncate": truncate,
	"headline": mentionHeadline,
}).Parse(reportTemplate))

func buildReportHTML(report *models.Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildReportText(report *models.Report) string {
	var text strings.Builder

	text.WriteString(fmt.Sprintf("Brand Mentions Digest - %s\n", strings.Title(report.Period)))
	text.WriteString(fmt.Sprintf("Generated: %s\n\n", report.GeneratedAt.UTC().Format("2006-01-02 15:04:05 UTC")))

	text.WriteString("SUMMARY\n")
	text.WriteString("=======\n")
	for _, snap := range report.Snapshots {
		text.WriteString(fmt.Sprintf("%s: score %d/100, today %d posts / %d comments, all time %d posts / %d comments\n",
			snap.Brand, snap.Score, snap.Daily.Posts, snap.Daily.Comments, snap.Total.Posts, snap.Total.Comments))
		text.WriteString(fmt.Sprintf("  Sentiment: %d positive, %d neutral, %d negative\n",
			snap.Sentiment.Positive, snap.Sentiment.Neutral, snap.Sentiment.Negative))
	}

	if len(report.Recent) > 0 {
		text.WriteString("\nRECENT MENTIONS\n")
		text.WriteString("===============\n")

		limit := 10
		if len(report.Recent) < limit {
			limit = len(report.Recent)
		}

		for i, mention := range report.Recent[:limit] {
			text.WriteString(fmt.Sprintf("\n%d. %s\n", i+1, mentionHeadline(mention)))
			text.WriteString(fmt.Sprintf("   Brand: %s | r/%s | Author: %s | Date: %s\n",
				mention.Brand, mention.Subreddit, mention.Author, mention.CreatedAt.Format("Jan 2, 2006")))
			text.WriteString(fmt.Sprintf("   URL: %s\n", mention.Permalink))
		}
	}

	text.WriteString("\n---\nThis digest was generated automatically by the Brand Mentions Bot.\n")

	return text.String()
}

// mentionHeadline is the post title, or the start of the body for comments
func mentionHeadline(m models.Mention) string {
	if m.Title != "" {
		return m.Title
	}
	return truncate(80, m.Body)
}

func truncate(length int, s string) string {
	if len(s) <= length {
		return s
	}
	return s[:length] + "..."
}
