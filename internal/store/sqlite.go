package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"dripflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS campaigns (
  id TEXT PRIMARY KEY,
  org_id TEXT NOT NULL,
  name TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('draft','active','cancelled')) DEFAULT 'draft',
  start_date TEXT NOT NULL,
  end_date TEXT NOT NULL DEFAULT '',
  send_time TEXT NOT NULL,
  timezone TEXT NOT NULL,
  channels TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS campaign_recipients (
  campaign_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  device_token TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  whatsapp_opt_in INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY(campaign_id, user_id),
  FOREIGN KEY(campaign_id) REFERENCES campaigns(id)
);
CREATE TABLE IF NOT EXISTS content_items (
  id TEXT PRIMARY KEY,
  campaign_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL,
  FOREIGN KEY(campaign_id) REFERENCES campaigns(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_content_position ON content_items(campaign_id, position);
CREATE TABLE IF NOT EXISTS scheduled_drops (
  id TEXT PRIMARY KEY,
  campaign_id TEXT NOT NULL,
  content_item_id TEXT NOT NULL,
  drop_date TEXT NOT NULL,
  trigger_at DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','expanding','expanded','cancelled')) DEFAULT 'pending',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(campaign_id) REFERENCES campaigns(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_drops_day ON scheduled_drops(campaign_id, drop_date);
CREATE UNIQUE INDEX IF NOT EXISTS idx_drops_item ON scheduled_drops(campaign_id, content_item_id);
CREATE INDEX IF NOT EXISTS idx_drops_due ON scheduled_drops(status, trigger_at);
CREATE TABLE IF NOT EXISTS send_jobs (
  id TEXT PRIMARY KEY,
  drop_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  channel TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','sent','failed')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(drop_id) REFERENCES scheduled_drops(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_fanout ON send_jobs(drop_id, user_id, channel);
CREATE INDEX IF NOT EXISTS idx_jobs_drop ON send_jobs(drop_id, status);
CREATE TABLE IF NOT EXISTS notifications (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL,
  read_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
`
	_, err := db.Exec(schema)
	return err
}

// ChannelCount is one row of the per-channel rollup.
type ChannelCount struct {
	Channel domain.Channel
	Total   int
	Sent    int
	Failed  int
}

type Store interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign, recipients []domain.Recipient) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	InsertPlan(ctx context.Context, campaignID, endDate string, items []domain.ContentItem, drops []domain.ScheduledDrop) error
	CancelCampaign(ctx context.Context, id string) (int, error)

	DueDrops(ctx context.Context, now time.Time) ([]domain.ScheduledDrop, error)
	ClaimDrop(ctx context.Context, id string) (bool, error)
	MarkDropExpanded(ctx context.Context, id string) error
	RecoverStaleDrops(ctx context.Context, olderThan time.Duration) (int, error)
	GetDrop(ctx context.Context, id string) (domain.ScheduledDrop, error)
	ListDrops(ctx context.Context, campaignID string) ([]domain.ScheduledDrop, error)

	GetContentItem(ctx context.Context, id string) (domain.ContentItem, error)
	ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
	CountRecipients(ctx context.Context, campaignID string) (int, error)

	CreateSendJobs(ctx context.Context, jobs []domain.SendJob) (int, error)
	PendingJobs(ctx context.Context, dropID string) ([]domain.SendJob, error)
	IncrementJobAttempt(ctx context.Context, id string) error
	MarkJobSent(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id, lastError string) error

	DropCounts(ctx context.Context, campaignID string) (map[string]int, error)
	JobCounts(ctx context.Context, campaignID string) (map[string]int, error)
	ChannelCounts(ctx context.Context, campaignID string) ([]ChannelCount, error)

	CreateNotification(ctx context.Context, n domain.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) CreateCampaign(ctx context.Context, c *domain.Campaign, recipients []domain.Recipient) error {
	if c.ID == "" {
		c.ID = "cmp_" + uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO campaigns (id,org_id,name,status,start_date,end_date,send_time,timezone,channels,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, c.ID, c.OrgID, c.Name, c.Status, c.StartDate, c.EndDate, c.SendTime, c.Timezone, joinChannels(c.Channels))
	if err != nil {
		return err
	}

	for _, r := range recipients {
		_, err = tx.ExecContext(ctx, `
INSERT INTO campaign_recipients (campaign_id,user_id,device_token,phone,whatsapp_opt_in)
VALUES (?,?,?,?,?)
`, c.ID, r.UserID, r.DeviceToken, r.Phone, r.WhatsAppOptIn)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,org_id,name,status,start_date,end_date,send_time,timezone,channels,created_at,updated_at
FROM campaigns WHERE id=?`, id)
	var c domain.Campaign
	var channels string
	err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Status, &c.StartDate, &c.EndDate, &c.SendTime, &c.Timezone, &channels, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Channels = splitChannels(channels)
	return c, nil
}

// InsertPlan writes the full drop schedule in one transaction. A campaign
// that already has drops is rejected with ErrAlreadyPlanned; a failed
// insert rolls everything back so a partial schedule can never persist.
func (s *sqliteStore) InsertPlan(ctx context.Context, campaignID, endDate string, items []domain.ContentItem, drops []domain.ScheduledDrop) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_drops WHERE campaign_id=?`, campaignID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return domain.ErrAlreadyPlanned
	}

	for _, it := range items {
		_, err = tx.ExecContext(ctx, `
INSERT INTO content_items (id,campaign_id,position,title,body) VALUES (?,?,?,?,?)
`, it.ID, campaignID, it.Position, it.Title, it.Body)
		if err != nil {
			return err
		}
	}
	for _, d := range drops {
		_, err = tx.ExecContext(ctx, `
INSERT INTO scheduled_drops (id,campaign_id,content_item_id,drop_date,trigger_at,status,created_at,updated_at)
VALUES (?,?,?,?,?,'pending',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, d.ID, campaignID, d.ContentItemID, d.DropDate, d.TriggerAt.UTC())
		if err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
UPDATE campaigns SET end_date=?, status='active', updated_at=CURRENT_TIMESTAMP WHERE id=? AND status='draft'
`, endDate, campaignID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

// CancelCampaign cancels the campaign and every drop still pending.
// Drops already claimed or expanded keep their status and their jobs.
func (s *sqliteStore) CancelCampaign(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE campaigns SET status='cancelled', updated_at=CURRENT_TIMESTAMP WHERE id=? AND status != 'cancelled'
`, id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns WHERE id=?`, id).Scan(&exists); err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, domain.ErrNotFound
		}
	}

	res, err = tx.ExecContext(ctx, `
UPDATE scheduled_drops SET status='cancelled', updated_at=CURRENT_TIMESTAMP
WHERE campaign_id=? AND status='pending'
`, id)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (s *sqliteStore) DueDrops(ctx context.Context, now time.Time) ([]domain.ScheduledDrop, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,campaign_id,content_item_id,drop_date,trigger_at,status,created_at,updated_at
FROM scheduled_drops
WHERE status='pending' AND trigger_at <= ?
ORDER BY trigger_at ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDrops(rows)
}

// ClaimDrop is the idempotency boundary: a conditional update that moves
// the drop from pending to expanding. Exactly one caller wins; everyone
// else sees false and must treat the call as a no-op.
func (s *sqliteStore) ClaimDrop(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_drops SET status='expanding', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) MarkDropExpanded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduled_drops SET status='expanded', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='expanding'`, id)
	return err
}

// RecoverStaleDrops returns drops stuck in expanding (a crash between
// claim and completion) to pending. Re-expansion is safe because job
// creation is INSERT OR IGNORE.
func (s *sqliteStore) RecoverStaleDrops(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_drops SET status='pending', updated_at=CURRENT_TIMESTAMP
WHERE status='expanding' AND strftime('%s','now') - strftime('%s',updated_at) > ?`,
		int(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) GetDrop(ctx context.Context, id string) (domain.ScheduledDrop, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,campaign_id,content_item_id,drop_date,trigger_at,status,created_at,updated_at
FROM scheduled_drops WHERE id=?`, id)
	var d domain.ScheduledDrop
	err := row.Scan(&d.ID, &d.CampaignID, &d.ContentItemID, &d.DropDate, &d.TriggerAt, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledDrop{}, domain.ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) ListDrops(ctx context.Context, campaignID string) ([]domain.ScheduledDrop, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,campaign_id,content_item_id,drop_date,trigger_at,status,created_at,updated_at
FROM scheduled_drops WHERE campaign_id=? ORDER BY drop_date ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDrops(rows)
}

func (s *sqliteStore) GetContentItem(ctx context.Context, id string) (domain.ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,campaign_id,position,title,body FROM content_items WHERE id=?`, id)
	var it domain.ContentItem
	err := row.Scan(&it.ID, &it.CampaignID, &it.Position, &it.Title, &it.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContentItem{}, domain.ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT campaign_id,user_id,device_token,phone,whatsapp_opt_in
FROM campaign_recipients WHERE campaign_id=? ORDER BY user_id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.CampaignID, &r.UserID, &r.DeviceToken, &r.Phone, &r.WhatsAppOptIn); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountRecipients(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id=?`, campaignID).Scan(&n)
	return n, err
}

// CreateSendJobs inserts the fan-out rows. INSERT OR IGNORE against the
// (drop_id, user_id, channel) unique index makes re-runs after a crash
// create each job at most once. Returns the number actually inserted.
func (s *sqliteStore) CreateSendJobs(ctx context.Context, jobs []domain.SendJob) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	created := 0
	for _, j := range jobs {
		id := j.ID
		if id == "" {
			id = "job_" + uuid.NewString()
		}
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO send_jobs (id,drop_id,user_id,channel,status,attempts,last_error,created_at,updated_at)
VALUES (?,?,?,?,'pending',0,'',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, j.DropID, j.UserID, string(j.Channel))
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created++
		}
	}
	return created, tx.Commit()
}

func (s *sqliteStore) PendingJobs(ctx context.Context, dropID string) ([]domain.SendJob, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,drop_id,user_id,channel,status,attempts,last_error,created_at,updated_at
FROM send_jobs WHERE drop_id=? AND status='pending' ORDER BY user_id, channel`, dropID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SendJob
	for rows.Next() {
		var j domain.SendJob
		var ch string
		if err := rows.Scan(&j.ID, &j.DropID, &j.UserID, &ch, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Channel = domain.Channel(ch)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) IncrementJobAttempt(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE send_jobs SET attempts=attempts+1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

func (s *sqliteStore) MarkJobSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE send_jobs SET status='sent', last_error='', updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

func (s *sqliteStore) MarkJobFailed(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE send_jobs SET status='failed', last_error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastError, id)
	return err
}

func (s *sqliteStore) DropCounts(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM scheduled_drops WHERE campaign_id=? GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *sqliteStore) JobCounts(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT j.status, COUNT(*)
FROM send_jobs j JOIN scheduled_drops d ON d.id = j.drop_id
WHERE d.campaign_id=? GROUP BY j.status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *sqliteStore) ChannelCounts(ctx context.Context, campaignID string) ([]ChannelCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT j.channel,
       COUNT(*),
       SUM(CASE WHEN j.status='sent' THEN 1 ELSE 0 END),
       SUM(CASE WHEN j.status='failed' THEN 1 ELSE 0 END)
FROM send_jobs j JOIN scheduled_drops d ON d.id = j.drop_id
WHERE d.campaign_id=? GROUP BY j.channel ORDER BY j.channel`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelCount
	for rows.Next() {
		var c ChannelCount
		var ch string
		if err := rows.Scan(&ch, &c.Total, &c.Sent, &c.Failed); err != nil {
			return nil, err
		}
		c.Channel = domain.Channel(ch)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateNotification(ctx context.Context, n domain.Notification) error {
	id := n.ID
	if id == "" {
		id = "ntf_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notifications (id,user_id,title,body,created_at) VALUES (?,?,?,?,CURRENT_TIMESTAMP)
`, id, n.UserID, n.Title, n.Body)
	return err
}

func (s *sqliteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,user_id,title,body,read_at,created_at
FROM notifications WHERE user_id=? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &readAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanDrops(rows *sql.Rows) ([]domain.ScheduledDrop, error) {
	var out []domain.ScheduledDrop
	for rows.Next() {
		var d domain.ScheduledDrop
		if err := rows.Scan(&d.ID, &d.CampaignID, &d.ContentItemID, &d.DropDate, &d.TriggerAt, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanCounts(rows *sql.Rows) (map[string]int, error) {
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func joinChannels(chs []domain.Channel) string {
	parts := make([]string, 0, len(chs))
	for _, c := range chs {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

func splitChannels(s string) []domain.Channel {
	if s == "" {
		return nil
	}
	var out []domain.Channel
	for _, p := range strings.Split(s, ",") {
		if c, ok := domain.ParseChannel(p); ok {
			out = append(out, c)
		}
	}
	return out
}
