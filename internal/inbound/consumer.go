package inbound

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the slice of the SQS client the consumer uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls an SQS queue subscribed to the SES receipt topic.
// Messages are deleted once the email is stored; delivery outcomes never
// hold a message on the queue.
type Consumer struct {
	client    SQSAPI
	queueURL  string
	processor *Processor
	done      chan struct{}
}

func NewConsumer(client SQSAPI, queueURL string, processor *Processor) *Consumer {
	return &Consumer{
		client:    client,
		queueURL:  queueURL,
		processor: processor,
		done:      make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	log.Printf("[Inbound] SQS consumer started (queue=%s)", c.queueURL)
	go c.poll(ctx)
}

func (c *Consumer) Stop() {
	close(c.done)
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Inbound] SQS receive error: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range out.Messages {
			notification, err := decodeQueueMessage([]byte(*msg.Body))
			if err != nil {
				log.Printf("[Inbound] SQS bad message: %v", err)
				c.deleteMessage(ctx, msg.ReceiptHandle)
				continue
			}
			if notification == nil {
				// Subscription confirmations and non-receipt notifications
				// have nothing to process.
				c.deleteMessage(ctx, msg.ReceiptHandle)
				continue
			}

			if err := c.processor.ProcessNotification(ctx, notification); err != nil {
				log.Printf("[Inbound] SQS process error (%s): %v", notification.Mail.MessageID, err)
				continue
			}

			c.deleteMessage(ctx, msg.ReceiptHandle)
		}
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
}

// decodeQueueMessage unwraps the SNS envelope when the queue subscription
// does not use raw delivery. A nil notification with nil error means the
// message is valid but not a receipt.
func decodeQueueMessage(body []byte) (*ReceiptNotification, error) {
	var env SNSEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case "Notification":
		return ParseReceiptNotification(env.Message)
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		return nil, nil
	}

	// Raw delivery: the body is the notification itself.
	return ParseReceiptNotification(string(body))
}
