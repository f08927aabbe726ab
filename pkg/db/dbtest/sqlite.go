// Package dbtest opens throwaway SQLite databases carrying the settlement schema
// so repository and service tests can run without Postgres.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE commissions (
  id TEXT PRIMARY KEY,
  client_id TEXT NOT NULL,
  artist_id TEXT,
  accepted_bid_id TEXT,
  title TEXT NOT NULL,
  description TEXT NOT NULL,
  category TEXT NOT NULL,
  reference_images TEXT,
  metadata_ref TEXT,
  currency TEXT NOT NULL,
  deadline DATETIME,
  total_budget INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'open',
  disputed_from TEXT,
  dispute_reason TEXT,
  dispute_raised_by TEXT,
  custody_handle TEXT,
  held INTEGER NOT NULL DEFAULT 0,
  released INTEGER NOT NULL DEFAULT 0,
  refunded INTEGER NOT NULL DEFAULT 0,
  cancel_requested_at DATETIME,
  completion_finalized INTEGER NOT NULL DEFAULT 0,
  certificate_status TEXT NOT NULL DEFAULT 'none',
  certificate_handle TEXT,
  certificate_metadata_ref TEXT,
  certificate_attempts INTEGER NOT NULL DEFAULT 0,
  certificate_next_attempt_at DATETIME,
  certificate_last_error TEXT,
  bid_count INTEGER NOT NULL DEFAULT 0,
  funded_at DATETIME,
  completed_at DATETIME,
  cancelled_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME,
  CHECK (released + refunded <= held)
);`,
	`CREATE TABLE milestones (
  id TEXT PRIMARY KEY,
  commission_id TEXT NOT NULL,
  order_index INTEGER NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  amount INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  current_submission_id TEXT,
  submitted_at DATETIME,
  approved_at DATETIME,
  paid_at DATETIME,
  cancelled_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (commission_id, order_index)
);`,
	`CREATE TABLE milestone_submissions (
  id TEXT PRIMARY KEY,
  milestone_id TEXT NOT NULL,
  commission_id TEXT NOT NULL,
  artist_id TEXT NOT NULL,
  deliverable_ref TEXT NOT NULL,
  notes TEXT,
  revision_requested INTEGER NOT NULL DEFAULT 0,
  review_notes TEXT,
  reviewed_at DATETIME,
  created_at DATETIME
);`,
	`CREATE TABLE bids (
  id TEXT PRIMARY KEY,
  commission_id TEXT NOT NULL,
  artist_id TEXT NOT NULL,
  amount INTEGER NOT NULL,
  timeline_days INTEGER NOT NULL,
  cover_letter TEXT NOT NULL DEFAULT '',
  portfolio_samples TEXT,
  milestone_breakdown TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  reviewed_at DATETIME,
  withdrawn_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_bids_open_per_artist ON bids (commission_id, artist_id) WHERE status IN ('pending', 'accepted');`,
	`CREATE TABLE ledger_transactions (
  id TEXT PRIMARY KEY,
  commission_id TEXT NOT NULL,
  milestone_id TEXT,
  kind TEXT NOT NULL,
  amount INTEGER NOT NULL,
  idempotency_token TEXT NOT NULL UNIQUE,
  attempt INTEGER NOT NULL DEFAULT 0,
  confirmation_handle TEXT,
  status TEXT NOT NULL DEFAULT 'requested',
  ambiguous INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  send_count INTEGER NOT NULL DEFAULT 1,
  retry_count INTEGER NOT NULL DEFAULT 0,
  next_attempt_at DATETIME,
  needs_attention INTEGER NOT NULL DEFAULT 0,
  requested_at DATETIME NOT NULL,
  resolved_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_ledger_release_live ON ledger_transactions (milestone_id) WHERE kind = 'release' AND status IN ('requested', 'confirmed');`,
	`CREATE TABLE reputation_entries (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  commission_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  delta INTEGER NOT NULL,
  resulting_score INTEGER NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE reputation_scores (
  user_id TEXT PRIMARY KEY,
  score INTEGER NOT NULL DEFAULT 0,
  events INTEGER NOT NULL DEFAULT 0,
  updated_at DATETIME
);`,
	`CREATE TABLE reconciliation_flags (
  id TEXT PRIMARY KEY,
  commission_id TEXT NOT NULL,
  subject_type TEXT NOT NULL,
  subject_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  details TEXT,
  attempts INTEGER NOT NULL DEFAULT 0,
  resolved_at DATETIME,
  created_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_reconciliation_flags_open ON reconciliation_flags (subject_type, subject_id, reason) WHERE resolved_at IS NULL;`,
	`CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`,
	`CREATE TABLE outbox_dlq (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME,
  created_at DATETIME
);`,
	`CREATE TABLE notifications (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  commission_id TEXT,
  event_id TEXT,
  type TEXT NOT NULL,
  title TEXT NOT NULL,
  message TEXT NOT NULL,
  link TEXT,
  read_at DATETIME,
  created_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_notifications_event_user ON notifications (event_id, user_id);`,
}

// Open returns a private in-memory database with the settlement tables created.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// One connection: concurrent callers queue instead of tripping SQLite's
	// shared-cache table locks.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return conn
}
