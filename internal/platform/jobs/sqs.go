package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the part of *sqs.Client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func NewSQSClient(cfg aws.Config) *sqs.Client {
	return sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	})
}

const (
	sqsWaitSeconds       = 10
	sqsVisibilitySeconds = 300
	sqsBatchSize         = 5
	kindAttribute        = "kind"
)

// SQSQueue long-polls an SQS queue. A job that is not acknowledged becomes
// visible again after the visibility timeout and is retried.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

func NewSQSQueue(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			kindAttribute: {DataType: aws.String("String"), StringValue: aws.String(job.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", job.Kind, err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context) ([]Job, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: sqsBatchSize,
		WaitTimeSeconds:     sqsWaitSeconds,
		VisibilityTimeout:   sqsVisibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	jobs := make([]Job, 0, len(out.Messages))
	for _, msg := range out.Messages {
		var job Job
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			// Unparseable messages are dropped so they do not block the queue.
			_ = q.delete(ctx, aws.ToString(msg.ReceiptHandle))
			continue
		}
		job.receipt = aws.ToString(msg.ReceiptHandle)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *SQSQueue) Ack(ctx context.Context, job Job) error {
	if job.receipt == "" {
		return nil
	}
	return q.delete(ctx, job.receipt)
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}
