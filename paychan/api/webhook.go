package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/streamer-network/payment-channel/pkg/log"
	"github.com/streamer-network/payment-channel/paychan"
)

const SignatureHeader = "X-Signature-HMAC-SHA256"

type WebhookRequest struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	EventTime time.Time       `json:"event_time"`
}

type WebhookResponse struct {
	Success bool `json:"success"`
}

// SignWebhook returns hex encoded HMAC-SHA256 of body.
func SignWebhook(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// StartWebhooksSender delivers queued events until ctx is done. Failed deliveries are retried.
func (s *Server) StartWebhooksSender(ctx context.Context) {
	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := s.queue.AcquireTask(ctx, paychan.WebhooksTaskPool)
		if err != nil {
			log.Error().Err(err).Msg("failed to acquire webhook task from db")
			time.Sleep(3 * time.Second)
			continue
		}

		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.webhookSignal:
			case <-tick.C:
			}
			continue
		}

		// run each task in own routine, to not block other's execution
		go func() {
			err := s.deliver(ctx, task.ID, task.Type, task.Data, task.CreatedAt)
			if err != nil {
				log.Warn().Err(err).Str("type", task.Type).Str("id", task.ID).Msg("webhook delivery failed, will be retried")

				retryAfter := time.Now().Add(3 * time.Second)
				if err = s.queue.RetryTask(context.Background(), task, err.Error(), retryAfter); err != nil {
					log.Error().Err(err).Str("id", task.ID).Msg("failed to set failure for task in db")
				}
				return
			}

			if err = s.queue.CompleteTask(context.Background(), paychan.WebhooksTaskPool, task); err != nil {
				log.Error().Err(err).Str("id", task.ID).Msg("failed to set complete for task in db")
			}

			s.touchWebhook()
		}()
	}
}

func (s *Server) deliver(ctx context.Context, id, typ string, data json.RawMessage, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, err := json.Marshal(WebhookRequest{
		ID:        id,
		Type:      typ,
		Data:      data,
		EventTime: at,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", uuid.NewString())
	if len(s.webhookKey) > 0 {
		req.Header.Set(SignatureHeader, SignWebhook(s.webhookKey, body))
	}

	resp, err := s.sender.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook response status is: %d %s", resp.StatusCode, resp.Status)
	}

	var ok WebhookResponse
	if err = json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		return fmt.Errorf("bad webhook response: %w", err)
	}

	if !ok.Success {
		return fmt.Errorf("webhook response is not success")
	}
	return nil
}

// touchWebhook - forces worker to check db tasks
func (s *Server) touchWebhook() {
	select {
	case s.webhookSignal <- true:
		// ask queue to take new task without waiting
	default:
	}
}
