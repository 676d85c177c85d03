package services

import (
	"context"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/techagentng/expertchat/config"
	"github.com/techagentng/expertchat/models"
	"google.golang.org/api/option"
)

// Notifier tells an offline recipient that a message is waiting for them.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, recipient, sender *models.UserProfile, message *models.Message) error
}

// NewNotifier returns an FCM notifier when credentials are configured and a no-op otherwise.
func NewNotifier(ctx context.Context, conf *config.Config) (Notifier, error) {
	if conf.FirebaseCredentialsFile == "" {
		log.Info().Msg("no firebase credentials configured, offline push disabled")
		return NoopNotifier{}, nil
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(conf.FirebaseCredentialsFile))
	if err != nil {
		return nil, errors.Wrap(err, "initialize firebase app")
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initialize firebase messaging")
	}
	return NewFCMNotifier(client, conf.PreviewLength), nil
}

type NoopNotifier struct{}

func (NoopNotifier) NotifyNewMessage(context.Context, *models.UserProfile, *models.UserProfile, *models.Message) error {
	return nil
}

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type fcmNotifier struct {
	client        messageSender
	previewLength int
}

func NewFCMNotifier(client *messaging.Client, previewLength int) Notifier {
	return &fcmNotifier{client: client, previewLength: previewLength}
}

func (n *fcmNotifier) NotifyNewMessage(ctx context.Context, recipient, sender *models.UserProfile, message *models.Message) error {
	token := recipient.DeviceToken()
	if token == "" {
		return nil
	}
	title := message.SenderID
	if sender != nil && sender.DisplayName != "" {
		title = sender.DisplayName
	}
	id, err := n.client.Send(ctx, &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  message.Preview(n.previewLength),
		},
		Data: map[string]string{
			"event":          string(models.EventNewMessage),
			"conversationId": message.ConversationID,
			"messageId":      message.ID,
			"senderId":       message.SenderID,
		},
	})
	if err != nil {
		return errors.Wrapf(err, "push message %s", message.ID)
	}
	log.Debug().Str("fcm_id", id).Str("message_id", message.ID).Msg("offline push sent")
	return nil
}
