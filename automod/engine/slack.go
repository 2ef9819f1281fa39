package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) SendNotice(ctx context.Context, notice Notice) error {
	var header string
	switch notice.Kind {
	case NoticeBan:
		header = "⛔ Warden Ban ⛔\n"
	case NoticeReview, NoticeSuspiciousAvatar:
		header = "⚠️ Warden Needs Review ⚠️\n"
	default:
		header = "🔧 Warden Service Problem 🔧\n"
	}
	return n.sendSlackMsg(ctx, noticeBody(header, notice))
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	// loosely based on: https://golangcode.com/send-slack-messages-without-a-library/

	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
