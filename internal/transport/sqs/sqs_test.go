package sqs

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeAPI struct {
	received *awssqs.ReceiveMessageInput
	deleted  *awssqs.DeleteMessageInput
	sent     *awssqs.SendMessageInput
	messages []types.Message
}

func (f *fakeAPI) ReceiveMessage(_ context.Context, params *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.received = params
	return &awssqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, params *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	f.deleted = params
	return &awssqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, params *awssqs.SendMessageInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	f.sent = params
	return &awssqs.SendMessageOutput{}, nil
}

func newTestClient(api api) *Client {
	return &Client{api: api, queueURL: "http://localhost/q", waitSeconds: 5}
}

func TestReceiveMapsMessages(t *testing.T) {
	fake := &fakeAPI{messages: []types.Message{{
		Body:          aws.String(`{"status":"success"}`),
		ReceiptHandle: aws.String("rh-1"),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"handler": {DataType: aws.String("String"), StringValue: aws.String("storage")},
		},
	}}}
	c := newTestClient(fake)

	msgs, err := c.Receive(context.Background(), 25)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if fake.received.MaxNumberOfMessages != 10 {
		t.Fatalf("batch size should be clamped to 10, got %d", fake.received.MaxNumberOfMessages)
	}
	if fake.received.WaitTimeSeconds != 5 {
		t.Fatalf("long polling not applied: %d", fake.received.WaitTimeSeconds)
	}
	if len(msgs) != 1 || msgs[0].Handle != "rh-1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[0].Attributes["handler"] != "storage" {
		t.Fatalf("attributes not mapped: %+v", msgs[0].Attributes)
	}
}

func TestAckDeletesByReceiptHandle(t *testing.T) {
	fake := &fakeAPI{}
	c := newTestClient(fake)
	if err := c.Ack(context.Background(), "rh-9"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if aws.ToString(fake.deleted.ReceiptHandle) != "rh-9" {
		t.Fatalf("wrong receipt handle: %v", fake.deleted)
	}
}

func TestPublishDefaultsToOwnQueue(t *testing.T) {
	fake := &fakeAPI{}
	c := newTestClient(fake)
	if err := c.Publish(context.Background(), "", []byte("body"), map[string]string{"k": "v"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if aws.ToString(fake.sent.QueueUrl) != "http://localhost/q" {
		t.Fatalf("wrong queue url: %v", fake.sent.QueueUrl)
	}
	if aws.ToString(fake.sent.MessageAttributes["k"].StringValue) != "v" {
		t.Fatalf("attributes not mapped: %+v", fake.sent.MessageAttributes)
	}
}
