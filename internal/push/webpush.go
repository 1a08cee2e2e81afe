// ABOUTME: Web Push sender built on webpush-go (VAPID authorization, aes128gcm payload encryption)
// ABOUTME: Browser subscriptions answering 404 or 410 are reported as expired

package push

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/2389/switchboard/internal/store"
)

const (
	defaultTTL   = 24 * time.Hour
	authLen      = 16
	publicKeyLen = 65
)

var b64 = base64.RawURLEncoding

// VAPIDKeys is an application server key pair, base64url without padding
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
}

// GenerateVAPIDKeys creates a new P-256 key pair
func GenerateVAPIDKeys() (VAPIDKeys, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, err
	}
	return VAPIDKeys{PublicKey: pub, PrivateKey: priv}, nil
}

// WebPush sends encrypted notifications to browser push services.
type WebPush struct {
	keys       VAPIDKeys
	subscriber string
	ttl        time.Duration
	client     *http.Client
}

// NewWebPush checks the VAPID private key and derives the public key from it.
// subject is a mailto: or https: contact.
func NewWebPush(keys VAPIDKeys, subject string, client *http.Client) (*WebPush, error) {
	raw, err := b64.DecodeString(strings.TrimRight(keys.PrivateKey, "="))
	if err != nil {
		return nil, fmt.Errorf("decoding VAPID private key: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing VAPID private key: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebPush{
		keys: VAPIDKeys{
			PublicKey:  b64.EncodeToString(priv.PublicKey().Bytes()),
			PrivateKey: b64.EncodeToString(raw),
		},
		// webpush-go adds the mailto: scheme itself
		subscriber: strings.TrimPrefix(subject, "mailto:"),
		ttl:        defaultTTL,
		client:     client,
	}, nil
}

// PublicKey is the applicationServerKey browsers subscribe with
func (w *WebPush) PublicKey() string {
	return w.keys.PublicKey
}

// Send encrypts the payload for the subscription and posts it.
func (w *WebPush) Send(ctx context.Context, sub *store.PushSubscription, p Payload) (Outcome, error) {
	if err := checkSubscriptionKeys(sub); err != nil {
		return Delivered, err
	}
	message, err := json.Marshal(p)
	if err != nil {
		return Delivered, fmt.Errorf("encoding payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, message, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subscriber,
		TTL:             int(w.ttl.Seconds()),
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  w.keys.PublicKey,
		VAPIDPrivateKey: w.keys.PrivateKey,
	})
	if err != nil {
		return Delivered, fmt.Errorf("posting to push service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Expired, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered, nil
	default:
		return Delivered, fmt.Errorf("push service returned %s", resp.Status)
	}
}

// checkSubscriptionKeys rejects a malformed browser subscription before any
// request is made.
func checkSubscriptionKeys(sub *store.PushSubscription) error {
	key, err := b64.DecodeString(strings.TrimRight(sub.P256dh, "="))
	if err != nil || len(key) != publicKeyLen {
		return fmt.Errorf("invalid subscription p256dh key")
	}
	if _, err := ecdh.P256().NewPublicKey(key); err != nil {
		return fmt.Errorf("parsing subscription key: %w", err)
	}
	auth, err := b64.DecodeString(strings.TrimRight(sub.Auth, "="))
	if err != nil || len(auth) != authLen {
		return fmt.Errorf("invalid subscription auth secret")
	}
	return nil
}
