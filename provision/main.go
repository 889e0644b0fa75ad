// Command provision creates the storage a todo registry deployment needs:
// the Azure table and notification queue and the MySQL schema.
package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"todo-registry/config"
	"todo-registry/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("provisioning starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if conn := cfg.Azure.ConnectionString; conn != "" {
		var tables []string
		if cfg.Ledger.Backend == config.BackendTable {
			tables = append(tables, cfg.Azure.TodosTable)
		}
		if err := storage.CreateTables(ctx, conn, tables...); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		if err := storage.CreateQueues(ctx, conn, cfg.Azure.EventsQueue); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	if cfg.MySQL.DSN != "" {
		store, err := storage.OpenMySQL(ctx, cfg.MySQL.DSN, cfg.Registry)
		if err != nil {
			log.Fatalf("mysql: %v", err)
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatalf("mysql schema: %v", err)
		}
	}

	log.Info("provisioning complete")
}
