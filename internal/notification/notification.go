/*
Copyright 2025 Paystream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paystreamhq/paystream/config"
	"github.com/paystreamhq/paystream/internal/request"
)

func postToSlack(webhookURL string, blocks json.RawMessage) {
	payload, err := request.ToJsonReq(&blocks)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", webhookURL, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response map[string]interface{}
	if _, err := request.Call(req, &response); err != nil {
		log.Println(err)
	}
}

// SlackNotification reports an error to the configured Slack webhook.
func SlackNotification(err error) {
	conf, confErr := config.Fetch()
	if confErr != nil {
		log.Println(confErr)
		return
	}

	blocks := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Error From Paystream",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Error:*\n%v"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%v"
					}
				]
			}
		]
	}`, err.Error(), time.Now().Format(time.RFC822)))

	postToSlack(conf.Notification.Slack.WebhookUrl, blocks)
}

// NotifyError logs an error and forwards it to Slack when a webhook is
// configured. Delivery happens in the background so callers never block on
// the webhook.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}
		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}
	}(systemError)
}

// NotifyChannelIntervention alerts operators about a closing channel whose
// settlement keeps failing and needs a manual look.
func NotifyChannelIntervention(channelID string, attempts int) {
	NotifyError(fmt.Errorf("channel %s flagged for intervention after %d failed settlement attempts", channelID, attempts))
}
