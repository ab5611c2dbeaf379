package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"bk-agent/pkg/logging"
)

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// AlertService is the outbound notification channel: Telegram first, and
// when Telegram is unreachable the same text (HTML stripped) goes to a
// fallback webhook. Everything here is best effort.
type AlertService struct {
	token       string
	chatID      string
	fallbackURL string
	cdnBaseURL  string
	apiBase     string // overridable for tests
	client      *http.Client
	photoClient *http.Client
	logger      *slog.Logger
}

func NewAlertService(token, chatID, fallbackURL, cdnBaseURL string, logger *slog.Logger) *AlertService {
	return &AlertService{
		token:       token,
		chatID:      chatID,
		fallbackURL: fallbackURL,
		cdnBaseURL:  cdnBaseURL,
		apiBase:     "https://api.telegram.org",
		client:      &http.Client{Timeout: 10 * time.Second},
		photoClient: &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}
}

// Send delivers text to Telegram, falling back to the webhook on connect
// error, timeout or 5xx. Returns true when at least one channel accepted.
func (a *AlertService) Send(text string) bool {
	if a.token != "" && a.chatID != "" {
		delivered, retryable := a.sendTelegram(text)
		if delivered {
			return true
		}
		if !retryable {
			return false
		}
	}
	return a.sendFallback(text)
}

func (a *AlertService) sendTelegram(text string) (delivered, retryable bool) {
	payload := map[string]any{
		"chat_id":    a.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	resp, err := a.postJSON(a.client, a.apiBase+"/bot"+a.token+"/sendMessage", payload)
	if err != nil {
		a.logger.Warn("Telegram send failed", "error", logging.ErrAlert("telegram", err))
		return false, true
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return true, false
	}
	if resp.StatusCode >= 500 {
		a.logger.Warn("Telegram send failed", "status", resp.StatusCode)
		return false, true
	}
	a.logger.Warn("Telegram rejected message", "status", resp.StatusCode)
	return false, false
}

func (a *AlertService) sendFallback(text string) bool {
	if a.fallbackURL == "" {
		return false
	}
	plain := htmlTagPattern.ReplaceAllString(text, "")
	if len(plain) > 2000 {
		plain = plain[:2000]
	}
	resp, err := a.postJSON(a.client, a.fallbackURL, map[string]any{"content": plain})
	if err != nil {
		a.logger.Warn("fallback webhook failed", "error", logging.ErrAlert("webhook", err))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		a.logger.Info("shadow channel delivered (fallback webhook)")
		return true
	}
	a.logger.Warn("fallback webhook returned unexpected status", "status", resp.StatusCode)
	return false
}

func (a *AlertService) postJSON(client *http.Client, url string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// StartupOnline posts the one-time boot message.
func (a *AlertService) StartupOnline() {
	if !a.Send("🟢 SYSTEM ONLINE | NODE: Primary Core") {
		a.logger.Debug("startup message skipped (no alert channel configured)")
	}
}

// AssetPreview posts the completed-job card, with the thumbnail as a photo
// when one exists and a text fallback otherwise. Fire and forget.
func (a *AlertService) AssetPreview(job *Job, result *JobResult) {
	if a.token == "" || a.chatID == "" {
		return
	}
	name := result.CleanName
	if name == "" {
		name = job.CleanName
	}
	caption := fmt.Sprintf(
		"> 🎬 <b>ASSET ACQUIRED</b>\n"+
			"[ > ] <b>FILE:</b> %s\n"+
			"[ > ] <b>DURATION:</b> %ds\n"+
			"> <b>STATUS:</b> READY FOR DEPLOYMENT.",
		name, result.Duration,
	)
	if result.ThumbnailKey == "" {
		a.Send(caption)
		return
	}
	photoURL := strings.TrimRight(a.cdnBaseURL, "/") + "/" + result.ThumbnailKey
	payload := map[string]any{
		"chat_id":    a.chatID,
		"photo":      photoURL,
		"caption":    caption,
		"parse_mode": "HTML",
	}
	resp, err := a.postJSON(a.photoClient, a.apiBase+"/bot"+a.token+"/sendPhoto", payload)
	if err != nil {
		a.logger.Warn("asset preview send failed", "error", err)
		a.Send(caption)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.Send(caption)
	}
}
