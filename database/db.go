package database

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/redresshq/redress/cache"
	"github.com/redresshq/redress/config"
)

// Datasource wraps the postgres connection and the shared cache. It is
// constructed explicitly and passed to whatever needs it; there is no hidden
// process-wide instance.
type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := ConnectDB(configuration.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: con}, nil
}

// NewDataSourceWithCache attaches a dedup fast-path cache to the datasource.
func NewDataSourceWithCache(configuration *config.Configuration, c cache.Cache) (IDataSource, error) {
	con, err := ConnectDB(configuration.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: con, Cache: c}, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createComplaintTable(db)
	if err != nil {
		return nil, err
	}
	err = createComplaintHistoryTable(db)
	if err != nil {
		return nil, err
	}
	err = createHandlerTable(db)
	if err != nil {
		return nil, err
	}
	err = createOutboxTable(db)
	if err != nil {
		return nil, err
	}
	err = createProcessedEventTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// createComplaintTable creates a PostgreSQL table for the Complaint struct
func createComplaintTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS complaints (
			id SERIAL PRIMARY KEY,
			complaint_id TEXT NOT NULL UNIQUE,
			code TEXT NOT NULL,
			description TEXT,
			location TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_to TEXT NOT NULL,
			previously_assigned_to TEXT,
			delegated_to TEXT,
			escalation_level INT NOT NULL DEFAULT 0,
			expires_at TIMESTAMP,
			created_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		)
	`)
	log.Println(err)
	return err
}

// createComplaintHistoryTable creates a PostgreSQL table for the
// ComplaintHistory struct
func createComplaintHistoryTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS complaint_history (
			id SERIAL PRIMARY KEY,
			history_id TEXT NOT NULL UNIQUE,
			complaint_id TEXT NOT NULL REFERENCES complaints(complaint_id),
			status TEXT NOT NULL,
			actor TEXT,
			remark TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createHandlerTable creates a PostgreSQL table for the ranked handler chain
func createHandlerTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS handlers (
			id SERIAL PRIMARY KEY,
			handler_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			location TEXT NOT NULL,
			rank INT NOT NULL,
			phone TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (location, rank)
		)
	`)
	log.Println(err)
	return err
}

// createOutboxTable creates a PostgreSQL table for the OutboxEvent struct
func createOutboxTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_events (
			id SERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			process_after TIMESTAMP NOT NULL DEFAULT NOW(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createProcessedEventTable creates the dedup ledger. The unique constraint
// on idempotency_key is the mechanism that prevents double publication when
// multiple dispatchers run concurrently; callers must not rely on a
// check-then-insert instead of it.
func createProcessedEventTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_events (
			id SERIAL PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			processed_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}
