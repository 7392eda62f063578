// Package sqs carries dispatcher traffic over Amazon SQS: dead-letter notices
// for permanently failed jobs and dispatch triggers for the listen worker.
package sqs

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/lalithlochan/courier/internal/tracing"
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewClient builds an SQS client from a loaded AWS config.
func NewClient(awsCfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(awsCfg)
}

// traceAttributes carries the caller's trace context as message attributes.
func traceAttributes(ctx context.Context, attrs map[string]types.MessageAttributeValue) map[string]types.MessageAttributeValue {
	for k, v := range tracing.Inject(ctx) {
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return attrs
}

// traceContext restores the producer's trace context from a received message.
func traceContext(ctx context.Context, attrs map[string]types.MessageAttributeValue) context.Context {
	carrier := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v.StringValue != nil {
			carrier[k] = *v.StringValue
		}
	}
	return tracing.Extract(ctx, carrier)
}
