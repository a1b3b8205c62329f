package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/batch"
	"github.com/pgops/cloudsql-migrate/internal/config"
)

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// BatchStarted sends notification when a batch begins executing
func (n *Notifier) BatchStarted(runID, strategy string, unitCount int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: "Batch Migration Started",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Strategy", Value: strategy, Short: true},
					{Title: "Units", Value: fmt.Sprintf("%d", unitCount), Short: true},
				},
				Footer:    "cloudsql-migrate",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// BatchCompleted sends notification when every unit succeeded
func (n *Notifier) BatchCompleted(runID string, startTime time.Time, result *batch.BatchResult) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      fmt.Sprintf("Batch migration completed: %d units succeeded.", result.Succeeded),
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(result.Elapsed), Short: true},
					{Title: "Units", Value: fmt.Sprintf("%d", result.Succeeded), Short: true},
				},
				Footer:    "cloudsql-migrate",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// BatchCompletedWithErrors sends notification for a partial failure
func (n *Notifier) BatchCompletedWithErrors(runID string, startTime time.Time, result *batch.BatchResult) error {
	if !n.IsEnabled() {
		return nil
	}

	var failures []string
	for _, ur := range result.Units {
		if ur.Status == batch.StatusFailed {
			failures = append(failures, ur.Unit.Source.Instance)
		}
	}
	failureSummary := ""
	if len(failures) > 0 {
		if len(failures) <= 5 {
			failureSummary = "Failed units: " + failures[0]
			for i := 1; i < len(failures); i++ {
				failureSummary += ", " + failures[i]
			}
		} else {
			failureSummary = fmt.Sprintf("Failed units: %s, %s, %s... and %d more",
				failures[0], failures[1], failures[2], len(failures)-3)
		}
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Text: fmt.Sprintf("Batch migration completed with errors: %d succeeded, %d failed, %d skipped.",
			result.Succeeded, result.Failed, result.Skipped),
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107", // yellow/orange
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(result.Elapsed), Short: true},
					{Title: "Succeeded", Value: fmt.Sprintf("%d", result.Succeeded), Short: true},
					{Title: "Failed", Value: fmt.Sprintf("%d", result.Failed), Short: true},
					{Title: "Skipped", Value: fmt.Sprintf("%d", result.Skipped), Short: true},
					{Title: "Failed Units", Value: failureSummary, Short: false},
				},
				Footer:    "cloudsql-migrate",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// BatchFailed sends notification when the batch failed outright
func (n *Notifier) BatchFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Batch Migration Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    "cloudsql-migrate",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "cloudsql-migrate"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
