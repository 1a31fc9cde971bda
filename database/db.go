package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/paystreamhq/paystream/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = createChannelTable(db)
	if err != nil {
		return nil, err
	}
	err = createClosureRequestTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createChannelTable creates a PostgreSQL table for the Channel struct.
// Channels are never physically deleted; closed is a terminal logical state.
func createChannelTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS channels (
			id SERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL UNIQUE,
			ledger_channel_id TEXT UNIQUE,
			funder_id TEXT NOT NULL,
			payee_id TEXT NOT NULL,
			rate NUMERIC NOT NULL,
			funded_escrow NUMERIC NOT NULL,
			max_per_period NUMERIC NOT NULL DEFAULT 0,
			off_chain_accrued NUMERIC NOT NULL DEFAULT 0 CHECK (off_chain_accrued <= funded_escrow),
			on_chain_balance NUMERIC NOT NULL DEFAULT 0,
			settled_amount NUMERIC NOT NULL DEFAULT 0,
			settle_delay_seconds BIGINT NOT NULL,
			cancel_after TIMESTAMPTZ,
			expiration_time TIMESTAMPTZ,
			status TEXT NOT NULL CHECK (status IN ('active', 'closing', 'closed')),
			closure_initiated_at TIMESTAMPTZ,
			closure_tx_hash TEXT,
			closed_at TIMESTAMPTZ,
			closure_reason TEXT CHECK (closure_reason IN ('', 'manual', 'payee_forced', 'expired', 'claim')),
			validation_attempts INT NOT NULL DEFAULT 0,
			last_validation_at TIMESTAMPTZ,
			last_ledger_sync TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			meta_data JSONB
		)
	`)
	if err != nil {
		log.Printf("Error creating channels table: %v", err)
	}
	return err
}

// createClosureRequestTable creates a PostgreSQL table for the ClosureRequest
// struct. The partial unique index enforces at most one pending request per
// channel transactionally, surviving concurrent creation attempts.
func createClosureRequestTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS closure_requests (
			id SERIAL PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			channel_id TEXT NOT NULL REFERENCES channels(channel_id),
			requester_id TEXT NOT NULL,
			balance_snapshot NUMERIC NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'completed', 'cancelled')),
			rejection_reason TEXT,
			approver_id TEXT,
			approved_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			closure_tx_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating closure_requests table: %v", err)
		return err
	}
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS closure_requests_one_pending
		ON closure_requests (channel_id) WHERE status = 'pending'
	`)
	if err != nil {
		log.Printf("Error creating pending-uniqueness index: %v", err)
	}
	return err
}
