package repair

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Queue is the repair queue as used by QueueSink and Worker.
type Queue interface {
	Enqueue(ctx context.Context, text string) error
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

// AzureQueue is a Queue backed by an Azure Storage queue.
type AzureQueue struct {
	client     *azqueue.QueueClient
	visibility time.Duration
}

const defaultVisibility = time.Minute

func NewAzureQueue(connStr, name string) (*AzureQueue, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &AzureQueue{client: client, visibility: defaultVisibility}, nil
}

// Ensure creates the queue if it does not exist yet.
func (q *AzureQueue) Ensure(ctx context.Context) error {
	_, err := q.client.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

func (q *AzureQueue) Enqueue(ctx context.Context, text string) error {
	_, err := q.client.EnqueueMessage(ctx, text, nil)
	return err
}

// Dequeue retrieves a single message, or nil when the queue is empty. The
// message stays invisible for the visibility timeout and reappears unless it
// is deleted.
func (q *AzureQueue) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := q.client.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{
		VisibilityTimeout: to.Ptr(int32(q.visibility / time.Second)),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

func (q *AzureQueue) Delete(ctx context.Context, id, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, id, receipt, nil)
	return err
}
