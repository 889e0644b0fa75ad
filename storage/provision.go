package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const queueAlreadyExists = "QueueAlreadyExists"

// CreateTables creates every named table, skipping empty names and tables
// that already exist.
func CreateTables(ctx context.Context, connStr string, names ...string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, TableClientOptions())
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if alreadyExists(err, string(aztables.TableAlreadyExists)) {
			log.WithField("table", name).Info("table already exists")
			continue
		}
		if err != nil {
			return err
		}
		log.WithField("table", name).Info("table created")
	}
	return nil
}

// CreateQueues creates every named queue, skipping empty names and queues
// that already exist.
func CreateQueues(ctx context.Context, connStr string, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if alreadyExists(err, queueAlreadyExists) {
			log.WithField("queue", name).Info("queue already exists")
			continue
		}
		if err != nil {
			return err
		}
		log.WithField("queue", name).Info("queue created")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
