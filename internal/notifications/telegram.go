package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyTapeChange      NotificationType = "tape_change"
	NotifyTapeFull        NotificationType = "tape_full"
	NotifyBackupStart     NotificationType = "backup_start"
	NotifyBackupComplete  NotificationType = "backup_complete"
	NotifyBackupFailed    NotificationType = "backup_failed"
	NotifyRestoreStart    NotificationType = "restore_start"
	NotifyRestoreComplete NotificationType = "restore_complete"
	NotifyDriveError      NotificationType = "drive_error"
	NotifyWrongTape       NotificationType = "wrong_tape"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Priority  string                 `json:"priority"` // low, normal, high, urgent
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// TelegramService provides Telegram notification functionality
type TelegramService struct {
	config     TelegramConfig
	httpClient *http.Client
}

// NewTelegramService creates a new Telegram notification service
func NewTelegramService(config TelegramConfig) *TelegramService {
	return &TelegramService{
		config: config,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if Telegram notifications are enabled
func (s *TelegramService) IsEnabled() bool {
	return s.config.Enabled && s.config.BotToken != "" && s.config.ChatID != ""
}

// Send sends a notification via Telegram
func (s *TelegramService) Send(ctx context.Context, notification *Notification) error {
	if !s.IsEnabled() {
		return nil
	}

	// Format message with emoji based on type
	emoji := s.getEmoji(notification.Type, notification.Priority)
	formattedMessage := s.formatMessage(emoji, notification)

	return s.sendMessage(ctx, formattedMessage)
}

// getEmoji returns an appropriate emoji for the notification type
func (s *TelegramService) getEmoji(notifType NotificationType, priority string) string {
	switch notifType {
	case NotifyTapeChange:
		return "📼"
	case NotifyTapeFull:
		return "📀"
	case NotifyBackupStart:
		return "▶️"
	case NotifyBackupComplete:
		return "✅"
	case NotifyBackupFailed:
		return "❌"
	case NotifyRestoreStart:
		return "🔄"
	case NotifyRestoreComplete:
		return "✅"
	case NotifyDriveError:
		return "🚨"
	case NotifyWrongTape:
		return "⚠️"
	default:
		if priority == "urgent" || priority == "high" {
			return "🔴"
		}
		return "📢"
	}
}

// formatMessage formats a notification for Telegram
func (s *TelegramService) formatMessage(emoji string, notification *Notification) string {
	var buf bytes.Buffer

	// Header with emoji
	buf.WriteString(fmt.Sprintf("%s *%s*\n\n", emoji, escapeMarkdown(notification.Title)))

	// Message body
	buf.WriteString(escapeMarkdown(notification.Message))

	// Add data fields if present
	if len(notification.Data) > 0 {
		buf.WriteString("\n\n*Details:*\n")
		for key, value := range notification.Data {
			buf.WriteString(fmt.Sprintf("â€¢ %s: `%v`\n", escapeMarkdown(key), value))
		}
	}

	// Timestamp
	buf.WriteString(fmt.Sprintf("\n\n_Sent at %s_", escapeMarkdown(notification.Timestamp.Format("2006-01-02 15:04:05"))))

	return buf.String()
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2
func escapeMarkdown(s string) string {
	specialChars := []string{"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	result := s
	for _, char := range specialChars {
		result = replaceAll(result, char, "\\"+char)
	}
	return result
}

// replaceAll replaces all occurrences of old with new in s
func replaceAll(s, old, new string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte(old), []byte(new)))
}

// telegramMessage represents a Telegram API message
type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendMessage sends a message to Telegram
func (s *TelegramService) sendMessage(ctx context.Context, text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.config.BotToken)

	msg := telegramMessage{
		ChatID:    s.config.ChatID,
		Text:      text,
		ParseMode: "MarkdownV2",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("telegram API error: %s", errResp.Description)
	}

	return nil
}
