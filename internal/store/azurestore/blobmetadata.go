package azurestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/zwavecore/hostdriver/internal/store"
)

// MaxBlocksPerBlob is grounded verbatim on azblob.go's identically-named
// constant: an Append Blob accepts at most 50,000 blocks.
const MaxBlocksPerBlob = 50000

type blobRecord struct {
	Key     string          `json:"k"`
	Value   json.RawMessage `json:"v,omitempty"`
	Deleted bool            `json:"d,omitempty"`
}

// BlobMetadataDB is a store.Log backed by Azure Append Blobs, grounded on
// azblob.go's blobTransport: one newline-delimited JSON record appended
// per block, rotating to a freshly-named blob when ShouldRotate reports
// the current one is nearing MaxBlocksPerBlob, exactly as
// blobTransport.RotateTX does for its own byte stream.
type BlobMetadataDB struct {
	mu            sync.Mutex
	containerName string
	container     *container.Client
	blobName      string
	seq           int
	blocksWritten int64

	values map[string]any
	revive store.Reviver
}

// OpenBlobMetadataDB creates the container and an initial append blob
// "<blobPrefix>-0" if absent, then replays every blob in the rotation
// sequence into memory.
func OpenBlobMetadataDB(ctx context.Context, ep Endpoint, containerName, blobPrefix string, revive store.Reviver) (*BlobMetadataDB, error) {
	c, err := newContainerClient(ep, containerName)
	if err != nil {
		return nil, err
	}
	if _, err := c.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, err
	}
	db := &BlobMetadataDB{container: c, containerName: containerName, values: make(map[string]any), revive: revive}
	if err := db.replay(ctx, blobPrefix); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *BlobMetadataDB) replay(ctx context.Context, blobPrefix string) error {
	seq := 0
	for {
		name := blobPrefix + "-" + strconv.Itoa(seq)
		blocks, err := db.readAll(ctx, name)
		if err != nil {
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				if seq == 0 {
					// Nothing written yet: create blob 0 now so later
					// AppendBlock calls don't race its own creation.
					if _, cerr := db.container.NewAppendBlobClient(name).Create(ctx, nil); cerr != nil {
						return cerr
					}
				}
				db.blobName = name
				db.seq = seq
				return nil
			}
			return err
		}
		// blocksWritten tracks only the current (most recently read) blob
		// in the rotation sequence, so it's reset before each replay pass.
		db.blocksWritten = 0
		db.applyLines(blocks)
		db.blobName = name
		db.seq = seq
		seq++
	}
}

func (db *BlobMetadataDB) readAll(ctx context.Context, name string) ([]byte, error) {
	resp, err := db.container.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (db *BlobMetadataDB) applyLines(data []byte) {
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		// Each line was written by exactly one prior AppendBlock call;
		// counting them reconstructs blocksWritten without a dedicated
		// blob-property read.
		db.blocksWritten++
		var r blobRecord
		if json.Unmarshal(line, &r) != nil {
			continue
		}
		if r.Deleted {
			delete(db.values, r.Key)
			continue
		}
		if db.revive != nil {
			if v, err := db.revive(r.Key, r.Value); err == nil {
				db.values[r.Key] = v
			}
			continue
		}
		var v any
		_ = json.Unmarshal(r.Value, &v)
		db.values[r.Key] = v
	}
}

func (db *BlobMetadataDB) Get(key string) (any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.values[key]
	return v, ok
}

func (db *BlobMetadataDB) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return db.append(blobRecord{Key: key, Value: raw}, func() { db.values[key] = value })
}

func (db *BlobMetadataDB) Delete(key string) error {
	return db.append(blobRecord{Key: key, Deleted: true}, func() { delete(db.values, key) })
}

func (db *BlobMetadataDB) append(r blobRecord, mutate func()) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	db.mu.Lock()
	defer db.mu.Unlock()
	ctx := context.Background()
	if db.shouldRotateLocked() {
		if err := db.rotateLocked(ctx); err != nil {
			return err
		}
	}
	_, err = db.container.NewAppendBlobClient(db.blobName).AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(line)), nil)
	if err != nil {
		return err
	}
	db.blocksWritten++
	mutate()
	return nil
}

func (db *BlobMetadataDB) shouldRotateLocked() bool {
	return db.blocksWritten >= MaxBlocksPerBlob-10
}

func (db *BlobMetadataDB) rotateLocked(ctx context.Context) error {
	db.seq++
	db.blobName = fmt.Sprintf("%s-%d", trimSeqSuffix(db.blobName), db.seq)
	db.blocksWritten = 0
	_, err := db.container.NewAppendBlobClient(db.blobName).Create(ctx, nil)
	return err
}

func trimSeqSuffix(name string) string {
	i := bytes.LastIndexByte([]byte(name), '-')
	if i < 0 {
		return name
	}
	return name[:i]
}

func (db *BlobMetadataDB) Keys() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	keys := make([]string, 0, len(db.values))
	for k := range db.values {
		keys = append(keys, k)
	}
	return keys
}

// Flush is a no-op: AppendBlock already committed the write synchronously.
func (db *BlobMetadataDB) Flush(context.Context) error { return nil }

func (db *BlobMetadataDB) Close() error { return nil }

var _ store.Log = (*BlobMetadataDB)(nil)

func newContainerClient(ep Endpoint, containerName string) (*container.Client, error) {
	if ep.Account != "" && ep.Key != "" {
		cred, err := azblob.NewSharedKeyCredential(ep.Account, ep.Key)
		if err != nil {
			return nil, wrapClientErr(err)
		}
		svc, err := azblob.NewClientWithSharedKeyCredential(ep.ServiceURL, cred, nil)
		if err != nil {
			return nil, wrapClientErr(err)
		}
		return svc.ServiceClient().NewContainerClient(containerName), nil
	}
	c, err := container.NewClientWithNoCredential(ep.ServiceURL+"/"+containerName, nil)
	if err != nil {
		return nil, wrapClientErr(err)
	}
	return c, nil
}
