package services

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bk-agent/config"
)

// CommandService long-polls the Telegram update feed and executes the
// operator commands /status, /pause and /resume. Only the configured chat
// is trusted; everything else is dropped silently.
type CommandService struct {
	agent        *Agent
	alerts       *AlertService
	token        string
	chatID       string
	pollInterval time.Duration
	tempDir      string
	health       func(diskPath string) SystemHealth
	apiBase      string // overridable for tests
	client       *http.Client
	logger       *slog.Logger
}

func NewCommandService(cfg *config.Config, agent *Agent, alerts *AlertService, logger *slog.Logger) *CommandService {
	interval := cfg.TelegramPollInterval
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	return &CommandService{
		agent:        agent,
		alerts:       alerts,
		token:        cfg.TelegramToken,
		chatID:       strings.TrimSpace(cfg.TelegramChatID),
		pollInterval: interval,
		tempDir:      cfg.TempDir,
		health:       GetSystemHealth,
		apiBase:      "https://api.telegram.org",
		// 35s: 30s server-side long poll plus slack
		client: &http.Client{Timeout: 35 * time.Second},
		logger: logger,
	}
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
	EditedMessage *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"edited_message"`
}

type tgUpdateResponse struct {
	OK     bool       `json:"ok"`
	Result []tgUpdate `json:"result"`
}

// Run blocks until shutdown. Disabled when token or chat id is missing.
func (c *CommandService) Run() {
	if c.token == "" || c.chatID == "" {
		c.logger.Debug("command channel disabled (no token or chat_id)")
		return
	}
	var offset int64
	for c.agent.Running() {
		updates, err := c.fetchUpdates(offset)
		if err != nil {
			if err == errWebhookConflict {
				c.logger.Warn("getUpdates conflict: a webhook is set on this bot; remove it to use /pause and /resume")
				c.sleep(5 * time.Minute)
				continue
			}
			c.logger.Debug("getUpdates error", "error", err)
			c.sleep(c.pollInterval)
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			c.handleUpdate(upd)
		}
	}
	c.logger.Debug("command channel stopped")
}

var errWebhookConflict = fmt.Errorf("telegram webhook conflict")

func (c *CommandService) fetchUpdates(offset int64) ([]tgUpdate, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", "30")
	resp, err := c.client.Get(c.apiBase + "/bot" + c.token + "/getUpdates?" + q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return nil, errWebhookConflict
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("getUpdates status %d", resp.StatusCode)
	}
	var parsed tgUpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if !parsed.OK {
		return nil, fmt.Errorf("getUpdates not ok")
	}
	return parsed.Result, nil
}

func (c *CommandService) handleUpdate(upd tgUpdate) {
	msg := upd.Message
	if msg == nil {
		msg = upd.EditedMessage
	}
	if msg == nil {
		return
	}
	if strconv.FormatInt(msg.Chat.ID, 10) != c.chatID {
		return
	}
	switch strings.ToLower(strings.TrimSpace(msg.Text)) {
	case "/status":
		c.alerts.Send(c.statusReport())
	case "/pause":
		c.agent.SetPaused(true)
		c.alerts.Send("⏸ <b>PAUSE</b>: New jobs disabled. Current work and queue will finish.")
	case "/resume":
		c.agent.SetPaused(false)
		c.alerts.Send("▶ <b>RESUME</b>: Accepting new jobs again.")
	}
}

func (c *CommandService) statusReport() string {
	health := c.health(c.tempDir)
	snap := c.agent.Snapshot()
	modeStr := "ACTIVE"
	if snap.Paused {
		modeStr = "PAUSED"
	}
	lines := []string{
		"🔎 <b>SAMARITAN STATUS</b>",
		fmt.Sprintf("[ > ] <b>NODE:</b> %s", snap.WorkerID),
		fmt.Sprintf("[ > ] <b>CPU:</b> %%%.0f", health.CPUPercent),
		fmt.Sprintf("[ > ] <b>RAM:</b> %.1f / %.1f GB", health.RAMUsedGB, health.RAMTotalGB),
		fmt.Sprintf("[ > ] <b>DISK FREE:</b> %.1f GB", health.DiskFreeGB),
		fmt.Sprintf("[ > ] <b>ACTIVE JOBS:</b> %d", len(snap.ActiveJobIDs)),
		fmt.Sprintf("[ > ] <b>QUEUE:</b> %d", snap.QueueSize),
		fmt.Sprintf("[ > ] <b>UPTIME:</b> %.1fh", snap.UptimeHours),
		fmt.Sprintf("[ ! ] <b>MODE:</b> %s", modeStr),
	}
	if len(snap.ActiveJobIDs) > 0 {
		ids := make([]string, len(snap.ActiveJobIDs))
		for i, id := range snap.ActiveJobIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		lines = append(lines, "[ > ] <b>JOB IDs:</b> "+strings.Join(ids, ", "))
	}
	return strings.Join(lines, "\n")
}

func (c *CommandService) sleep(d time.Duration) {
	select {
	case <-c.agent.Done():
	case <-time.After(d):
	}
}
