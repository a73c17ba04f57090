// Package sqs adapts an SQS queue to the transport interfaces. It also
// works against SQS-compatible brokers (ElasticMQ, LocalStack) via a
// custom endpoint.
package sqs

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/flowtrace-labs/flowtrace-go/internal/platform/env"
	"github.com/flowtrace-labs/flowtrace-go/internal/transport"
)

type Config struct {
	Region   string
	Endpoint string
	KeyID    string
	Secret   string
	QueueURL string
	// WaitSeconds enables long polling on Receive.
	WaitSeconds int32
}

// ConfigFromEnv reads broker settings from FLOWTRACE_SQS_* variables.
func ConfigFromEnv() (Config, error) {
	wait, err := env.Int("SQS_WAIT_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Region:      env.String("SQS_REGION", "us-east-1"),
		Endpoint:    env.String("SQS_ENDPOINT", ""),
		KeyID:       env.String("SQS_KEY_ID", ""),
		Secret:      env.String("SQS_SECRET", ""),
		QueueURL:    env.String("SQS_QUEUE_URL", ""),
		WaitSeconds: int32(wait),
	}, nil
}

// api is the slice of the SQS client the adapter needs.
type api interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
}

// Client implements transport.Queue and transport.Publisher over one
// SQS queue.
type Client struct {
	api         api
	queueURL    string
	waitSeconds int32
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	opts := awssqs.Options{Region: cfg.Region}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, "")
	}
	return &Client{
		api:         awssqs.New(opts),
		queueURL:    cfg.QueueURL,
		waitSeconds: cfg.WaitSeconds,
	}, nil
}

func (c *Client) Receive(ctx context.Context, max int) ([]transport.Message, error) {
	if max <= 0 || max > 10 {
		max = 10
	}
	out, err := c.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       c.waitSeconds,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	msgs := make([]transport.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := transport.Message{Handle: aws.ToString(m.ReceiptHandle)}
		if m.Body != nil {
			msg.Body = []byte(*m.Body)
		}
		if len(m.MessageAttributes) > 0 {
			msg.Attributes = make(map[string]string, len(m.MessageAttributes))
			for name, attr := range m.MessageAttributes {
				msg.Attributes[name] = aws.ToString(attr.StringValue)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (c *Client) Ack(ctx context.Context, handle string) error {
	_, err := c.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Publish sends to the destination queue URL, or to the client's own
// queue when destination is empty.
func (c *Client) Publish(ctx context.Context, destination string, body []byte, attributes map[string]string) error {
	url := strings.TrimSpace(destination)
	if url == "" {
		url = c.queueURL
	}
	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	}
	if len(attributes) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attributes))
		for name, value := range attributes {
			input.MessageAttributes[name] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(value),
			}
		}
	}
	if _, err := c.api.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
