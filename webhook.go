package desklink

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebhookEvent is the payload the DeskLink service POSTs to an integration
// endpoint when server-side activity needs to reach a client out of band,
// such as approval decisions or document routing notices.
type WebhookEvent struct {
	Source       string              `json:"source"`
	Event        string              `json:"event"`
	Timestamp    int64               `json:"timestamp"`
	ChannelID    string              `json:"channelId,omitempty"`
	Notification NotificationPayload `json:"notification"`
}

// WebhookAck is an optional acknowledgement returned by a webhook handler.
type WebhookAck struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// WebhookHandlerFunc is the callback signature for handling webhook events.
type WebhookHandlerFunc func(ev *WebhookEvent) (*WebhookAck, error)

// VerifyWebhookSignature checks an HMAC-SHA256 signature over the raw body.
// Comparison is constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvent parses and validates a raw webhook body.
func ParseWebhookEvent(body string) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if ev.Source != "desklink" {
		return nil, fmt.Errorf("unknown webhook source: %s", ev.Source)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if ev.Notification.ID == "" {
		return nil, fmt.Errorf("missing notification id in webhook payload")
	}
	return &ev, nil
}

// NotificationWebhook verifies, parses, and dispatches DeskLink webhook
// deliveries.
type NotificationWebhook struct {
	secret  string
	handler WebhookHandlerFunc
}

// NewNotificationWebhook creates a webhook receiver.
func NewNotificationWebhook(secret string, handler WebhookHandlerFunc) (*NotificationWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &NotificationWebhook{secret: secret, handler: handler}, nil
}

// Verify checks the HMAC-SHA256 signature of a raw body.
func (w *NotificationWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one delivery (verify, parse, dispatch) and returns the
// status code and response body for the caller to write.
func (w *NotificationWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	ack, err := w.handler(ev)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	if ack != nil {
		return http.StatusOK, ack
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook deliveries.
//
// Example:
//
//	wh, _ := desklink.NewNotificationWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *NotificationWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-DeskLink-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
