package azurestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"

	"github.com/zwavecore/hostdriver/internal/store"
)

func isAlreadyExists(err error) bool {
	return queueerror.HasCode(err, queueerror.QueueAlreadyExists)
}

// MaxQueueTextMessageSize is the maximum raw payload of one queue message,
// grounded on azqueue.go's identically-named constant (64 KB).
const MaxQueueTextMessageSize = 64 * 1024

const queueDrainBatch = 32

type queueRecord struct {
	Key     string          `json:"k"`
	Value   json.RawMessage `json:"v,omitempty"`
	Deleted bool            `json:"d,omitempty"`
}

// QueueCache is a store.Log backed by an Azure Storage Queue: every Set/
// Delete is appended as one base64-encoded message, grounded on
// azqueue.go's queueDriver.PostHandshake/GetHandshakes. Since a queue has
// no random-access read, Open replays the whole queue into memory once by
// draining and re-enqueueing every message it finds (bounded batches of
// queueDrainBatch), the same drain-then-requeue shape queueDriver's
// transport read loop uses to preserve unread messages across polls. The
// queue is otherwise genuinely append-only, matching spec.md §5's
// "network cache is append-only" - there is no compaction pass, so queue
// depth only grows with churn; an operator who outgrows that should move
// to the jsonlstore backend or a fresh queue.
type QueueCache struct {
	mu     sync.Mutex
	client *azqueue.QueueClient
	values map[string]any
	revive store.Reviver
}

// OpenQueueCache creates (if absent) and replays the named queue.
func OpenQueueCache(ctx context.Context, ep Endpoint, queueName string, revive store.Reviver) (*QueueCache, error) {
	client, err := newQueueClient(ep, queueName)
	if err != nil {
		return nil, err
	}
	if _, err := client.Create(ctx, nil); err != nil && !isAlreadyExists(err) {
		return nil, err
	}
	c := &QueueCache{client: client, values: make(map[string]any), revive: revive}
	if err := c.replay(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *QueueCache) replay(ctx context.Context) error {
	for {
		resp, err := c.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
			NumberOfMessages:  to.Ptr[int32](queueDrainBatch),
			VisibilityTimeout: to.Ptr[int32](30),
		})
		if err != nil {
			return err
		}
		if len(resp.Messages) == 0 {
			return nil
		}
		for _, msg := range resp.Messages {
			if msg.MessageText == nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(*msg.MessageText)
			if err == nil {
				c.applyLocked(raw)
			}
			if _, err := c.client.EnqueueMessage(ctx, *msg.MessageText, nil); err != nil {
				return err
			}
			_, _ = c.client.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil)
		}
		if len(resp.Messages) < queueDrainBatch {
			return nil
		}
	}
}

func (c *QueueCache) applyLocked(raw []byte) {
	var r queueRecord
	if json.Unmarshal(raw, &r) != nil {
		return
	}
	if r.Deleted {
		delete(c.values, r.Key)
		return
	}
	if c.revive != nil {
		if v, err := c.revive(r.Key, r.Value); err == nil {
			c.values[r.Key] = v
		}
		return
	}
	var v any
	_ = json.Unmarshal(r.Value, &v)
	c.values[r.Key] = v
}

func (c *QueueCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *QueueCache) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.append(queueRecord{Key: key, Value: raw}, func() { c.values[key] = value })
}

func (c *QueueCache) Delete(key string) error {
	return c.append(queueRecord{Key: key, Deleted: true}, func() { delete(c.values, key) })
}

func (c *QueueCache) append(r queueRecord, mutate func()) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if len(line) > MaxQueueTextMessageSize {
		return fmt.Errorf("azurestore: record for key %q exceeds queue message size", r.Key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	text := base64.StdEncoding.EncodeToString(line)
	if _, err := c.client.EnqueueMessage(context.Background(), text, nil); err != nil {
		return err
	}
	mutate()
	return nil
}

func (c *QueueCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// Flush is a no-op: every Set/Delete is already durable in the queue by
// the time it returns.
func (c *QueueCache) Flush(context.Context) error { return nil }

func (c *QueueCache) Close() error { return nil }

var _ store.Log = (*QueueCache)(nil)

func newQueueClient(ep Endpoint, queueName string) (*azqueue.QueueClient, error) {
	if ep.Account != "" && ep.Key != "" {
		cred, err := azqueue.NewSharedKeyCredential(ep.Account, ep.Key)
		if err != nil {
			return nil, wrapClientErr(err)
		}
		svc, err := azqueue.NewServiceClientWithSharedKeyCredential(ep.ServiceURL, cred, nil)
		if err != nil {
			return nil, wrapClientErr(err)
		}
		return svc.NewQueueClient(queueName), nil
	}
	client, err := azqueue.NewQueueClientWithNoCredential(ep.ServiceURL+"/"+queueName, nil)
	if err != nil {
		return nil, wrapClientErr(err)
	}
	return client, nil
}
