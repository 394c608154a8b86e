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
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/redresshq/redress/config"
	"github.com/redresshq/redress/internal/request"
)

// SmsSender delivers a text message to a single recipient. The worker calls
// it synchronously so the send result decides whether the work item is
// acknowledged.
type SmsSender interface {
	Send(ctx context.Context, phone, message string) error
}

// SmsQueuer enqueues text deliveries so they retry independently of the
// caller.
type SmsQueuer interface {
	Queue(recipients []string, message string) map[string]error
}

// AsynqSms is the production queuer; each recipient becomes one task on the
// sms delivery queue.
type AsynqSms struct{}

func (AsynqSms) Queue(recipients []string, message string) map[string]error {
	return SendSMS(recipients, message)
}

type smsTask struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// SendSMS enqueues one delivery task per recipient. Each enqueue is
// independent; a failed recipient ends up in the returned map and never
// stops the rest of the batch.
func SendSMS(recipients []string, message string) map[string]error {
	failed := make(map[string]error)
	conf, err := config.Fetch()
	if err != nil {
		for _, recipient := range recipients {
			if recipient != "" {
				failed[recipient] = err
			}
		}
		return failed
	}
	if conf.Notification.Sms.Url == "" {
		logrus.Warnf("sms gateway not configured, dropping batch of %d", len(recipients))
		return failed
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: conf.Redis.Dns})
	defer func() {
		if err := client.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	for _, recipient := range recipients {
		if recipient == "" {
			continue
		}
		payload, err := json.Marshal(smsTask{Recipient: recipient, Message: message})
		if err != nil {
			failed[recipient] = err
			continue
		}
		task := asynq.NewTask(conf.Queue.SmsQueue, payload, asynq.Queue(conf.Queue.SmsQueue))
		if _, err := client.Enqueue(task); err != nil {
			logrus.Errorf("failed to enqueue sms to %s: %v", recipient, err)
			failed[recipient] = err
		}
	}
	return failed
}

// ProcessSms delivers one queued text through the HTTP gateway.
func ProcessSms(ctx context.Context, task *asynq.Task) error {
	var t smsTask
	if err := json.Unmarshal(task.Payload(), &t); err != nil {
		logrus.Errorf("malformed sms task payload: %v", err)
		return err
	}
	return GatewaySms{}.Send(ctx, t.Recipient, t.Message)
}

// GatewaySms posts messages to the configured HTTP SMS gateway.
type GatewaySms struct{}

type smsRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

func (GatewaySms) Send(ctx context.Context, phone, message string) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Sms.Url == "" {
		logrus.Warnf("sms gateway not configured, dropping message to %s", phone)
		return nil
	}

	body, err := request.ToJsonReq(smsRequest{
		Sender:    conf.Notification.Sms.Sender,
		Recipient: phone,
		Message:   message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Sms.Url, body)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Sms.Headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		return errors.Wrap(err, "sms gateway call failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}
