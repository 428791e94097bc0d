package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const DefaultSMSTimeout = 10 * time.Second

// SMSGateway hands reply texts to an HTTP SMS gateway. Segmentation of long
// texts is the gateway's job.
type SMSGateway struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewSMSGateway(url string, timeout time.Duration, logger zerolog.Logger) *SMSGateway {
	if timeout <= 0 {
		timeout = DefaultSMSTimeout
	}
	return &SMSGateway{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "sms_gateway").Logger(),
	}
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// Send reports whether the gateway accepted the message. Failures are logged,
// never returned.
func (c *SMSGateway) Send(ctx context.Context, phoneNumber, message string) bool {
	msgID, err := c.send(ctx, phoneNumber, message)
	if err != nil {
		c.logger.Warn().Err(err).Str("to", phoneNumber).Msg("sms send failed")
		return false
	}
	c.logger.Debug().Str("to", phoneNumber).Str("gateway_message_id", msgID).Msg("sms accepted")
	return true
}

func (c *SMSGateway) send(ctx context.Context, phoneNumber, message string) (string, error) {
	if phoneNumber == "" {
		return "", fmt.Errorf("empty phone number")
	}

	reqBody, err := json.Marshal(sendRequest{
		PhoneNumber: phoneNumber,
		Message:     message,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	// The id is informational; an empty or non-JSON body is still acceptance.
	var sr sendResponse
	_ = json.Unmarshal(body, &sr)
	return sr.MessageID, nil
}
