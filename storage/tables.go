package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

const tablesMaxUpdateAttempts = 5

// Tables stores documents in a single Azure Table. The partition key is the
// collection path and the row key is the document id; the fields are kept as
// JSON in the Data property.
type Tables struct {
	table *aztables.Client
}

type documentEntity struct {
	aztables.Entity
	Data string `json:"Data"`
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, tableName string) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(tableName)}, nil
}

// EnsureTable creates the backing table if it does not exist yet.
func (t *Tables) EnsureTable(ctx context.Context) error {
	_, err := t.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

func (t *Tables) Get(ctx context.Context, p Path) (*Document, error) {
	pk, rk, err := tableKeys(p)
	if err != nil {
		return nil, err
	}
	fields, _, err := t.get(ctx, pk, rk)
	if err != nil || fields == nil {
		return nil, err
	}
	return &Document{ID: rk, Path: p, Fields: fields}, nil
}

func (t *Tables) get(ctx context.Context, pk, rk string) (Fields, azcore.ETag, error) {
	resp, err := t.table.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	fields, err := decodeEntity(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return fields, resp.ETag, nil
}

func (t *Tables) Set(ctx context.Context, p Path, fields Fields) error {
	payload, err := encodeEntity(p, fields)
	if err != nil {
		return err
	}
	_, err = t.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// Update reads the document, merges the fields and replaces it guarded by the
// read ETag, retrying when another writer got in between.
func (t *Tables) Update(ctx context.Context, p Path, fields Fields) error {
	pk, rk, err := tableKeys(p)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < tablesMaxUpdateAttempts; attempt++ {
		cur, etag, err := t.get(ctx, pk, rk)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		payload, err := encodeEntity(p, MergeFields(cur, fields))
		if err != nil {
			return err
		}
		_, err = t.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err == nil {
			return nil
		}
		switch {
		case isStatus(err, http.StatusPreconditionFailed):
			continue
		case isStatus(err, http.StatusNotFound):
			return ErrNotFound
		default:
			return err
		}
	}
	return fmt.Errorf("tables: update %s: too many concurrent writers", p)
}

func (t *Tables) Delete(ctx context.Context, p Path) error {
	pk, rk, err := tableKeys(p)
	if err != nil {
		return err
	}
	if _, err := t.table.DeleteEntity(ctx, pk, rk, nil); err != nil && !isStatus(err, http.StatusNotFound) {
		return err
	}
	return nil
}

// Query lists the partition and filters on the decoded fields, since the
// fields are not stored as table properties.
func (t *Tables) Query(ctx context.Context, collection Path, field string, op Op, value any) ([]Document, error) {
	docs, err := t.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if matches(d.Fields, field, op, normalizeJSONValue(value)) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *Tables) List(ctx context.Context, collection Path) ([]Document, error) {
	if collection.IsDocument() {
		return nil, fmt.Errorf("tables: %q is not a collection path", collection)
	}
	filter := "PartitionKey eq '" + strings.ReplaceAll(partitionKey(collection), "'", "''") + "'"
	pager := t.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	docs := []Document{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent documentEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			fields, err := decodeData(ent.Data)
			if err != nil {
				return nil, err
			}
			docs = append(docs, Document{ID: ent.RowKey, Path: collection.Child(ent.RowKey), Fields: fields})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func tableKeys(p Path) (string, string, error) {
	if !p.IsDocument() {
		return "", "", fmt.Errorf("tables: %q is not a document path", p)
	}
	return partitionKey(p.Parent()), p.ID(), nil
}

// partitionKey encodes a collection path; '/' is not allowed in table keys.
func partitionKey(collection Path) string {
	return strings.ReplaceAll(string(collection), "/", ":")
}

func encodeEntity(p Path, fields Fields) ([]byte, error) {
	pk, rk, err := tableKeys(p)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(documentEntity{
		Entity: aztables.Entity{PartitionKey: pk, RowKey: rk},
		Data:   string(data),
	})
}

func decodeEntity(raw []byte) (Fields, error) {
	var ent documentEntity
	if err := json.Unmarshal(raw, &ent); err != nil {
		return nil, err
	}
	return decodeData(ent.Data)
}

func decodeData(data string) (Fields, error) {
	fields := Fields{}
	if data == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// normalizeJSONValue converts a query value to the form it takes after a JSON
// round trip so it compares equal to decoded fields.
func normalizeJSONValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return v
	}
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
