/*
Copyright 2024 Redress Authors.

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
package redress

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/redresshq/redress/config"
	"github.com/redresshq/redress/model"

	"github.com/hibiken/asynq"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// webhookEventName maps an outbox event type to the dotted event name
// external consumers see. Due and resolver-notification types have no
// external name; they never leave the core.
func webhookEventName(eventType model.EventType) string {
	name := strings.TrimPrefix(string(eventType), "complaint_")
	switch eventType {
	case model.EventComplaintCreated, model.EventComplaintUpdated, model.EventComplaintDeleted,
		model.EventComplaintRecreated, model.EventComplaintDelegated, model.EventComplaintEscalated,
		model.EventComplaintResolved, model.EventComplaintClosed:
		return "complaint." + name
	default:
		return ""
	}
}

// queueWebhook enqueues an external notification for a published event. It
// is fire-and-forget: webhook delivery rides its own queue with its own
// retries and never blocks or fails the dispatch path.
func queueWebhook(event *model.OutboxEvent) {
	name := webhookEventName(event.EventType)
	if name == "" {
		return
	}
	if err := SendWebhook(NewWebhook{Event: name, Payload: json.RawMessage(event.Payload)}); err != nil {
		logrus.Errorf("failed to enqueue webhook for event %s: %v", event.EventID, err)
	}
}

// processHTTP sends a webhook notification via HTTP POST request.
func processHTTP(data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		log.Println("Error marshaling data:", err)
		return err
	}

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, strings.NewReader(string(payload)))
	if err != nil {
		log.Println("Error creating request:", err)
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		log.Println("Error sending request:", err)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	// Check if the status code is not in the 2XX success range
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Request failed with status code: %d\n", resp.StatusCode)
		return nil
	}

	log.Println("Webhook notification sent successfully:", data.Event)
	return nil
}

// SendWebhook enqueues a webhook notification task.
func SendWebhook(newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: conf.Redis.Dns})
	defer func() {
		if err := client.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{asynq.Queue(conf.Queue.WebhookQueue)}
	task := asynq.NewTask(conf.Queue.WebhookQueue, payload, taskOptions...)
	info, err := client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
func ProcessWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return err
	}
	log.Printf("Processing webhook: %+v\n", payload.Event)
	return processHTTP(payload)
}
