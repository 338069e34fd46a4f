package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/config"
)

type AzureClient struct {
	client *azservicebus.Client
}

func NewAzureClient(cfg config.AzureConfig) (*AzureClient, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, err
	}

	return &AzureClient{client: client}, nil
}

// Close closes the underlying Service Bus client
func (a *AzureClient) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}

// StartConsumers accepts sessions of queueName until ctx is done. Commands of
// one session (one entity) are processed in order.
func (a *AzureClient) StartConsumers(ctx context.Context, queueName string, processor MessageProcessor) error {
	log.Info().Msgf("Starting consumers for queue %s", queueName)

	// Loop continuously to handle reconnections
	for {
		sessionReceiver, err := a.client.AcceptNextSessionForQueue(ctx, queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Info().Msg("No session available, waiting...")
				time.Sleep(2 * time.Second)
				continue
			}
			return err
		}

		log.Info().Msgf("Session '%s' received", sessionReceiver.SessionID())

		go a.handleSession(ctx, sessionReceiver, processor)
	}
}

func (a *AzureClient) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, processor MessageProcessor) {
	defer func() {
		log.Info().Msgf("Closing session '%s'", receiver.SessionID())
		err := receiver.Close(context.Background())
		if err != nil {
			log.Error().Err(err).Msgf("Error closing session '%s'", receiver.SessionID())
		}
	}()

	// Process messages in batches
	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msgf("Error receiving messages from session '%s'", receiver.SessionID())
			}
			return
		}

		if len(messages) == 0 {
			// No more messages in this session
			return
		}

		log.Info().Msgf("Received %d messages from session '%s'", len(messages), receiver.SessionID())

		for _, message := range messages {
			err := processor.ProcessMessage(ctx, message)
			switch {
			case err == nil:
				if err := receiver.CompleteMessage(context.Background(), message, nil); err != nil {
					log.Error().Err(err).Msgf("(CompleteMessage) err: %v", err)
				}

			case !Retryable(err):
				log.Error().Err(err).Msgf("Rejecting message '%s'", message.MessageID)
				reason := "rejected"
				description := err.Error()
				if err := receiver.DeadLetterMessage(context.Background(), message, &azservicebus.DeadLetterOptions{
					Reason:           &reason,
					ErrorDescription: &description,
				}); err != nil {
					log.Error().Err(err).Msgf("(DeadLetterMessage) err: %v", err)
				}

			default:
				log.Error().Err(err).Msgf("Error processing message '%s'", message.MessageID)
				// Return the message to the queue
				if err := receiver.AbandonMessage(context.Background(), message, nil); err != nil {
					log.Error().Err(err).Msgf("(AbandonMessage) err: %v", err)
				}
			}
		}
	}
}

// Publisher sends lifecycle notifications to a Service Bus topic
type Publisher struct {
	sender *azservicebus.Sender
}

// NewPublisher creates a sender for topic
func (a *AzureClient) NewPublisher(topic string) (*Publisher, error) {
	sender, err := a.client.NewSender(topic, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for %s: %w", topic, err)
	}
	return &Publisher{sender: sender}, nil
}

// Notify publishes one notification. The entity is the session so
// subscribers see its changes in order.
func (p *Publisher) Notify(ctx context.Context, n *LifecycleNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	contentType := "application/json"
	subject := n.EventType
	sessionID := string(n.Kind) + ":" + n.Identity
	messageID := n.EventID
	return p.sender.SendMessage(ctx, &azservicebus.Message{
		Body:        body,
		ContentType: &contentType,
		Subject:     &subject,
		SessionID:   &sessionID,
		MessageID:   &messageID,
		ApplicationProperties: map[string]interface{}{
			"kind":    string(n.Kind),
			"version": n.Version,
			"status":  string(n.Status),
		},
	}, nil)
}

// Close closes the sender
func (p *Publisher) Close(ctx context.Context) error {
	return p.sender.Close(ctx)
}
