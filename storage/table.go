package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"todo-registry/domain"
)

const (
	counterRowKey = "counter"

	edmInt64   = "Edm.Int64"
	edmBoolean = "Edm.Boolean"

	// maxTextUnits is the UTF-16 length limit of a table string property.
	maxTextUnits = 32 * 1024
)

type tableClient interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// TableStore keeps one registry in an Azure table partition. The counter
// lives in its own row and every task is a single row holding both its text
// and its completion flag. Writers hold a lease row so only one instance
// appends to a partition at a time.
type TableStore struct {
	table     tableClient
	partition string
	lease     *tableLease
	now       func() time.Time
}

// TableClientOptions returns the retry policy used for table access.
func TableClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTableStore connects to tableName using an Azure storage connection string.
func NewTableStore(connStr, tableName, registry string) (*TableStore, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, TableClientOptions())
	if err != nil {
		return nil, err
	}
	return newTableStore(svc.NewClient(tableName), registry), nil
}

func newTableStore(client tableClient, registry string) *TableStore {
	return &TableStore{table: client, partition: registry, now: time.Now}
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type counterEntity struct {
	entityKeys
	TotalCreated     uint64 `json:"TotalCreated,string"`
	TotalCreatedType string `json:"TotalCreated@odata.type"`
}

type taskEntity struct {
	entityKeys
	Text               string `json:"Text"`
	Completed          bool   `json:"Completed"`
	CompletedType      string `json:"Completed@odata.type,omitempty"`
	CreatedBy          string `json:"CreatedBy,omitempty"`
	EventTimestamp     int64  `json:"EventTimestamp,string"`
	EventTimestampType string `json:"EventTimestamp@odata.type,omitempty"`
}

type taskCompletion struct {
	entityKeys
	Completed          bool   `json:"Completed"`
	CompletedType      string `json:"Completed@odata.type"`
	EventTimestamp     int64  `json:"EventTimestamp,string"`
	EventTimestampType string `json:"EventTimestamp@odata.type"`
}

func taskRowKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

func parseTaskRowKey(rk string) (uint64, error) {
	id, err := strconv.ParseUint(rk, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task row key %q: %w", rk, err)
	}
	return id, nil
}

// Load reads the counter and every task row of the partition.
func (s *TableStore) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	resp, err := s.table.GetEntity(ctx, s.partition, counterRowKey, nil)
	switch {
	case isStatus(err, http.StatusNotFound):
	case err != nil:
		return snap, fmt.Errorf("load counter: %w", err)
	default:
		total, err := decodeCounterEntity(resp.Value)
		if err != nil {
			return snap, err
		}
		snap.TotalCreated = total
	}

	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ne '%s' and RowKey ne '%s'", escapeFilterValue(s.partition), counterRowKey, leaseRowKey)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return snap, fmt.Errorf("list todos: %w", err)
		}
		for _, raw := range page.Entities {
			task, err := decodeTaskEntity(raw)
			if err != nil {
				return snap, err
			}
			snap.Tasks = append(snap.Tasks, task)
		}
	}
	return snap, nil
}

// Append writes ch to the table. Creates bump the counter and add the task
// row in one entity group transaction. Once a lease was acquired, Append
// refuses to write after it expires.
func (s *TableStore) Append(ctx context.Context, ch domain.Change) error {
	if err := s.checkLease(); err != nil {
		return err
	}
	switch ch.Op {
	case domain.OpCreate:
		if n := utf16Len(ch.Text); n > maxTextUnits {
			return fmt.Errorf("%w: %d UTF-16 units, table limit is %d", domain.ErrTextTooLong, n, maxTextUnits)
		}
		counter, task, err := s.createPayloads(ch)
		if err != nil {
			return err
		}
		actions := []aztables.TransactionAction{
			{ActionType: aztables.TransactionTypeInsertReplace, Entity: counter},
			{ActionType: aztables.TransactionTypeAdd, Entity: task},
		}
		if _, err := s.table.SubmitTransaction(ctx, actions, nil); err != nil {
			return fmt.Errorf("create todo %d: %w", ch.ID, err)
		}
	case domain.OpComplete:
		payload, err := json.Marshal(taskCompletion{
			entityKeys:         entityKeys{PartitionKey: s.partition, RowKey: taskRowKey(ch.ID)},
			Completed:          true,
			CompletedType:      edmBoolean,
			EventTimestamp:     ch.Timestamp,
			EventTimestampType: edmInt64,
		})
		if err != nil {
			return err
		}
		et := azcore.ETagAny
		if _, err := s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge}); err != nil {
			return fmt.Errorf("complete todo %d: %w", ch.ID, err)
		}
	case domain.OpDelete:
		et := azcore.ETagAny
		if _, err := s.table.DeleteEntity(ctx, s.partition, taskRowKey(ch.ID), &aztables.DeleteEntityOptions{IfMatch: &et}); err != nil {
			return fmt.Errorf("delete todo %d: %w", ch.ID, err)
		}
	default:
		return fmt.Errorf("unsupported op %q", ch.Op)
	}
	return nil
}

func (s *TableStore) createPayloads(ch domain.Change) (counter, task []byte, err error) {
	counter, err = json.Marshal(counterEntity{
		entityKeys:       entityKeys{PartitionKey: s.partition, RowKey: counterRowKey},
		TotalCreated:     ch.ID,
		TotalCreatedType: edmInt64,
	})
	if err != nil {
		return nil, nil, err
	}
	task, err = json.Marshal(taskEntity{
		entityKeys:         entityKeys{PartitionKey: s.partition, RowKey: taskRowKey(ch.ID)},
		Text:               ch.Text,
		Completed:          false,
		CompletedType:      edmBoolean,
		CreatedBy:          ch.Caller,
		EventTimestamp:     ch.Timestamp,
		EventTimestampType: edmInt64,
	})
	if err != nil {
		return nil, nil, err
	}
	return counter, task, nil
}

func decodeCounterEntity(data []byte) (uint64, error) {
	var ent counterEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return 0, fmt.Errorf("decode counter: %w", err)
	}
	return ent.TotalCreated, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, fmt.Errorf("decode todo: %w", err)
	}
	id, err := parseTaskRowKey(ent.RowKey)
	if err != nil {
		return domain.Task{}, err
	}
	return domain.Task{ID: id, Text: ent.Text, Completed: ent.Completed}, nil
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func escapeFilterValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
