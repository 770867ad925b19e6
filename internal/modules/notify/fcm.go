// README: Firebase Cloud Messaging delivery; each user listens on its own topic.
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"

	"escort/internal/types"
)

type FCM struct {
	client *messaging.Client
	log    logrus.FieldLogger
}

func NewFCM(client *messaging.Client, log logrus.FieldLogger) *FCM {
	return &FCM{client: client, log: log.WithField("component", "fcm")}
}

// UserTopic is the FCM topic a user's devices subscribe to.
func UserTopic(userID types.ID) string {
	return "user_" + string(userID)
}

func (f *FCM) Notify(ctx context.Context, msg Message) error {
	if msg.UserID == "" {
		return fmt.Errorf("notification %s has no recipient", msg.Kind)
	}
	data := map[string]string{"type": msg.Kind}
	for k, v := range msg.Data {
		data[k] = v
	}
	m := &messaging.Message{
		Topic: UserTopic(msg.UserID),
		Data:  data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	messageID, err := f.client.Send(ctx, m)
	if err != nil {
		return fmt.Errorf("sending FCM to %s: %w", UserTopic(msg.UserID), err)
	}
	f.log.WithFields(logrus.Fields{"kind": msg.Kind, "message_id": messageID}).Debug("FCM sent")
	return nil
}
