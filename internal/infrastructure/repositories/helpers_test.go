package repositories

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func mustExec(t *testing.T, db *gorm.DB, q string, args ...interface{}) {
	t.Helper()
	require.NoError(t, db.Exec(q, args...).Error, "exec failed: query=%s", q)
}

func createSettlementTables(t *testing.T, db *gorm.DB) {
	mustExec(t, db, `CREATE TABLE debts (
		id TEXT PRIMARY KEY,
		payer_username TEXT,
		payer_wallet TEXT,
		total_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		completed_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	);`)
	mustExec(t, db, `CREATE TABLE debt_owers (
		id TEXT PRIMARY KEY,
		debt_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		username TEXT,
		wallet_address TEXT,
		amount TEXT NOT NULL,
		created_at DATETIME
	);`)
	mustExec(t, db, `CREATE TABLE settlement_attempts (
		id TEXT PRIMARY KEY,
		debt_id TEXT NOT NULL,
		ower_username TEXT,
		ower_wallet TEXT,
		source_chain_id INTEGER NOT NULL,
		dest_chain_id INTEGER NOT NULL,
		token_type TEXT NOT NULL,
		amount_base_units TEXT NOT NULL,
		bridge_message_id TEXT,
		transaction_hash TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		explorer_url TEXT,
		failure_reason TEXT,
		block_number INTEGER,
		block_hash TEXT,
		destination_tx_hash TEXT,
		confirmed_at DATETIME,
		submitted_at DATETIME NOT NULL,
		next_poll_at DATETIME NOT NULL,
		poll_count INTEGER NOT NULL,
		updated_at DATETIME
	);`)
}
