package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmSender is the subset of *messaging.Client used by FCMNotifier.
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier relays notification posts and cancels to a companion Android
// device through Firebase Cloud Messaging. Call alerts are sent as
// high-priority data messages so the device app can mount its own
// full-screen view; plain messages carry an Android notification block on
// the message channel.
type FCMNotifier struct {
	client fcmSender
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

// NewFCMNotifier initialises a Firebase app from the service-account JSON
// file at credentialsFile and returns a notifier targeting deviceToken.
// If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
// ttl bounds how long FCM keeps an undelivered call alert.
func NewFCMNotifier(ctx context.Context, credentialsFile, deviceToken string, ttl time.Duration, logger *slog.Logger) (*FCMNotifier, error) {
	if deviceToken == "" {
		return nil, fmt.Errorf("fcm: device token is required")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	logger = logger.With("subsystem", "fcm-relay")
	logger.Info("fcm relay initialised")
	return &FCMNotifier{client: client, token: deviceToken, ttl: ttl, logger: logger}, nil
}

// Post relays n to the device.
func (f *FCMNotifier) Post(ctx context.Context, n Notification) error {
	msg, err := buildFCMPost(f.token, n, f.ttl)
	if err != nil {
		return err
	}
	return f.send(ctx, msg, n.ID)
}

// Cancel asks the device to remove notification id.
func (f *FCMNotifier) Cancel(ctx context.Context, id string) error {
	return f.send(ctx, buildFCMCancel(f.token, id, f.ttl), id)
}

func (f *FCMNotifier) send(ctx context.Context, msg *messaging.Message, notificationID string) error {
	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	f.logger.Debug("fcm message sent", "message_id", id, "notification_id", notificationID)
	return nil
}

// buildFCMPost maps a Notification onto an FCM message.
func buildFCMPost(token string, n Notification, ttl time.Duration) (*messaging.Message, error) {
	data := map[string]string{
		"kind":            "post",
		"notification_id": n.ID,
		"channel_id":      n.Channel,
		"title":           n.Title,
		"body":            n.Body,
		"priority":        string(n.Priority),
	}
	for k, v := range n.Data {
		if _, reserved := data[k]; !reserved {
			data[k] = v
		}
	}
	if n.Ongoing {
		data["ongoing"] = "true"
	}
	if len(n.Actions) > 0 {
		actions, err := json.Marshal(n.Actions)
		if err != nil {
			return nil, fmt.Errorf("fcm: encoding actions: %w", err)
		}
		data["actions"] = string(actions)
	}
	if n.FullScreen != nil {
		data["full_screen"] = "true"
		data["call_id"] = n.FullScreen.CallID
		data["caller_name"] = n.FullScreen.CallerName
		data["caller_id"] = n.FullScreen.CallerID
	}

	msg := &messaging.Message{
		Token: token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if ttl > 0 {
		msg.Android.TTL = &ttl
	}

	// Full-screen intents can only be raised by the app itself, so call
	// alerts stay data-only.
	if n.FullScreen == nil {
		priority := messaging.PriorityDefault
		if n.Priority == PriorityMax {
			priority = messaging.PriorityMax
		}
		msg.Android.Priority = "normal"
		msg.Android.Notification = &messaging.AndroidNotification{
			Title:     n.Title,
			Body:      n.Body,
			ChannelID: n.Channel,
			Tag:       n.ID,
			Sticky:    n.Ongoing,
			Priority:  priority,
		}
	}

	return msg, nil
}

// buildFCMCancel builds the data message that dismisses notification id.
func buildFCMCancel(token, id string, ttl time.Duration) *messaging.Message {
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"kind":            "cancel",
			"notification_id": id,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if ttl > 0 {
		msg.Android.TTL = &ttl
	}
	return msg
}
