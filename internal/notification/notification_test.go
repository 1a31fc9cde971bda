package notification

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paystreamhq/paystream/config"
)

func TestSlackNotification_PostsErrorBlocks(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- string(body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cnf := &config.Configuration{}
	cnf.Notification.Slack.WebhookUrl = srv.URL
	config.MockConfig(cnf)

	SlackNotification(errors.New("settlement stuck for chn_42"))

	select {
	case body := <-received:
		assert.True(t, strings.Contains(body, "settlement stuck for chn_42"))
		assert.True(t, strings.Contains(body, "Error From Paystream"))
	case <-time.After(2 * time.Second):
		t.Fatal("slack webhook was not called")
	}
}

func TestNotifyChannelIntervention_DeliversInBackground(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cnf := &config.Configuration{}
	cnf.Notification.Slack.WebhookUrl = srv.URL
	config.MockConfig(cnf)

	NotifyChannelIntervention("chn_42", 5)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("slack webhook was not called")
	}
}
