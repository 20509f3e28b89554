package push

import (
	"context"
	"errors"
	"fmt"

	"ecolift/internal/log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// ErrPermanent marks a delivery failure that retrying cannot fix, such as an
// unregistered device token.
var ErrPermanent = errors.New("permanent delivery failure")

type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

// FCMSender delivers through Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, m Message) error {
	_, err := s.client.Send(ctx, &messaging.Message{
		Token:        m.Token,
		Notification: &messaging.Notification{Title: m.Title, Body: m.Body},
		Data:         m.Data,
	})
	if err == nil {
		return nil
	}
	if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return err
}

// LogSender only logs. Used when no Firebase credentials are configured.
type LogSender struct {
	logger *log.Logger
}

func NewLogSender(logger *log.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, m Message) error {
	s.logger.Info("Push notification (not sent, no FCM credentials)",
		zap.String("title", m.Title), zap.String("body", m.Body), zap.Any("data", m.Data))
	return nil
}
