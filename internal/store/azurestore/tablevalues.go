package azurestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/zwavecore/hostdriver/internal/store"
)

// MaxTableBinaryPropertySize and MaxTableProperties/MaxTableEntitySize are
// grounded verbatim on aztable.go: a single Edm.Binary property tops out at
// 64 KiB, and a value is chunked across up to MaxTableProperties of them.
const (
	MaxTableBinaryPropertySize = 64 * 1024
	MaxTableProperties         = 15
	MaxTableEntitySize         = MaxTableProperties * MaxTableBinaryPropertySize
)

var tableDataKeys = [MaxTableProperties]string{
	"Data", "Data01", "Data02", "Data03", "Data04", "Data05", "Data06", "Data07",
	"Data08", "Data09", "Data10", "Data11", "Data12", "Data13", "Data14",
}

const valuePartitionKey = "value"

// buildTableEntity and extractTableData are reused verbatim from
// aztable.go: a value is split across up to MaxTableProperties binary
// properties, since a single Edm.Binary property is capped at 64 KiB.
func buildTableEntity(pk, rk string, data []byte) ([]byte, error) {
	m := map[string]any{"PartitionKey": pk, "RowKey": rk}
	for i := 0; i < MaxTableProperties && len(data) > 0; i++ {
		take := min(len(data), MaxTableBinaryPropertySize)
		m[tableDataKeys[i]], m[tableDataKeys[i]+"@odata.type"] = data[:take], "Edm.Binary"
		data = data[take:]
	}
	return json.Marshal(m)
}

func extractTableData(raw []byte) []byte {
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	var res []byte
	for i := range MaxTableProperties {
		v, ok := m[tableDataKeys[i]]
		if !ok {
			break
		}
		s, ok := v.(string)
		if !ok {
			break
		}
		chunk, _ := base64.StdEncoding.DecodeString(s)
		res = append(res, chunk...)
	}
	return res
}

// TableValueDB is a store.Log backed by Azure Table Storage, grounded on
// aztable.go's tableDriver: one entity per key, PartitionKey fixed to
// "value" so ListEntities can enumerate the whole table for Keys().
type TableValueDB struct {
	mu     sync.Mutex
	client *aztables.Client
	values map[string]any
	revive store.Reviver
}

// OpenTableValueDB creates (if absent) and fully loads the named table.
func OpenTableValueDB(ctx context.Context, ep Endpoint, tableName string, revive store.Reviver) (*TableValueDB, error) {
	client, err := newTableClient(ep, tableName)
	if err != nil {
		return nil, err
	}
	if err := ensureTableExists(ctx, ep, tableName); err != nil {
		return nil, err
	}
	db := &TableValueDB{client: client, values: make(map[string]any), revive: revive}
	if err := db.loadAll(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *TableValueDB) loadAll(ctx context.Context) error {
	pager := db.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Filter: to.Ptr("PartitionKey eq '" + valuePartitionKey + "'"),
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			var meta struct{ RowKey string }
			if json.Unmarshal(e, &meta) != nil {
				continue
			}
			raw := extractTableData(e)
			if db.revive != nil {
				if v, err := db.revive(meta.RowKey, raw); err == nil {
					db.values[meta.RowKey] = v
				}
				continue
			}
			var v any
			_ = json.Unmarshal(raw, &v)
			db.values[meta.RowKey] = v
		}
	}
	return nil
}

func (db *TableValueDB) Get(key string) (any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.values[key]
	return v, ok
}

func (db *TableValueDB) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if len(raw) > MaxTableEntitySize {
		return fmt.Errorf("azurestore: value for key %q exceeds table entity capacity", key)
	}
	entity, err := buildTableEntity(valuePartitionKey, key, raw)
	if err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	// Set needs overwrite semantics the teacher's AddEntity-only
	// handshake/token paths never required; UpsertEntity with
	// UpdateModeReplace is the adaptation for a reusable keyed value store.
	_, err = db.client.UpsertEntity(context.Background(), entity, &aztables.UpsertEntityOptions{
		UpdateMode: aztables.UpdateModeReplace,
	})
	if err != nil {
		return err
	}
	db.values[key] = value
	return nil
}

func (db *TableValueDB) Delete(key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.client.DeleteEntity(context.Background(), valuePartitionKey, key, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	delete(db.values, key)
	return nil
}

func (db *TableValueDB) Keys() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	keys := make([]string, 0, len(db.values))
	for k := range db.values {
		keys = append(keys, k)
	}
	return keys
}

// Flush is a no-op: every Set/Delete already committed synchronously.
func (db *TableValueDB) Flush(context.Context) error { return nil }

func (db *TableValueDB) Close() error { return nil }

var _ store.Log = (*TableValueDB)(nil)

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if ok := asResponseError(err, &respErr); ok {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func asResponseError(err error, target **azcore.ResponseError) bool {
	re, ok := err.(*azcore.ResponseError)
	if ok {
		*target = re
	}
	return ok
}

func newTableClient(ep Endpoint, tableName string) (*aztables.Client, error) {
	if ep.Account != "" && ep.Key != "" {
		cred, err := aztables.NewSharedKeyCredential(ep.Account, ep.Key)
		if err != nil {
			return nil, wrapClientErr(err)
		}
		svc, err := aztables.NewServiceClientWithSharedKey(ep.ServiceURL, cred, nil)
		if err != nil {
			return nil, wrapClientErr(err)
		}
		return svc.NewClient(tableName), nil
	}
	client, err := aztables.NewClientWithNoCredential(ep.ServiceURL+"/"+tableName, nil)
	if err != nil {
		return nil, wrapClientErr(err)
	}
	return client, nil
}

func ensureTableExists(ctx context.Context, ep Endpoint, tableName string) error {
	if ep.Account == "" || ep.Key == "" {
		// Anonymous/SAS access: the table is assumed pre-provisioned, the
		// same constraint the teacher's SAS-only paths operate under.
		return nil
	}
	cred, err := aztables.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return wrapClientErr(err)
	}
	svc, err := aztables.NewServiceClientWithSharedKey(ep.ServiceURL, cred, nil)
	if err != nil {
		return wrapClientErr(err)
	}
	if _, err := svc.CreateTable(ctx, tableName, nil); err != nil && !isConflict(err) {
		return err
	}
	return nil
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	if asResponseError(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict
	}
	return false
}
