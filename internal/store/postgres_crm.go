package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const contactColumns = `id, email, first_name, last_name, company, tags, status, lead_score, opens, clicks, attributes, created_at, updated_at`

func scanContact(row rowScanner) (Contact, error) {
	var item Contact
	var tags, attributes []byte
	err := row.Scan(&item.ID, &item.Email, &item.FirstName, &item.LastName, &item.Company, &tags, &item.Status,
		&item.LeadScore, &item.Opens, &item.Clicks, &attributes, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Contact{}, translate(err)
	}
	item.Tags = []string{}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return Contact{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	item.Attributes = rawJSON(attributes, "{}")
	return item, nil
}

func collectContacts(rows *sql.Rows) ([]Contact, error) {
	items := make([]Contact, 0)
	for rows.Next() {
		item, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func encodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	encoded, _ := json.Marshal(tags)
	return string(encoded)
}

func (s *PostgresStore) InsertContact(ctx context.Context, item Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, email, first_name, last_name, company, tags, status, attributes)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb)
	`, item.ID, item.Email, item.FirstName, item.LastName, item.Company, encodeTags(item.Tags), item.Status,
		jsonText(item.Attributes, "{}"))
	if err != nil {
		return fmt.Errorf("insert contact: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetContact(ctx context.Context, contactID string) (Contact, error) {
	return scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=$1`, contactID))
}

func (s *PostgresStore) GetContactByEmail(ctx context.Context, email string) (Contact, error) {
	return scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE email=$1`, email))
}

func (s *PostgresStore) ListContacts(ctx context.Context, filter ContactFilter) ([]Contact, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE ($1 = '' OR tags @> jsonb_build_array($1::text))
			AND ($2 = '' OR status=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.Tag, filter.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	return collectContacts(rows)
}

// ListSubscribedContacts returns every subscribed contact carrying tag, or all when tag is empty.
func (s *PostgresStore) ListSubscribedContacts(ctx context.Context, tag string) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE status='subscribed' AND ($1 = '' OR tags @> jsonb_build_array($1::text))
		ORDER BY id
	`, tag)
	if err != nil {
		return nil, fmt.Errorf("list subscribed contacts: %w", err)
	}
	defer rows.Close()
	return collectContacts(rows)
}

func (s *PostgresStore) UpdateContact(ctx context.Context, item Contact) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `
		UPDATE contacts
		SET first_name=$2, last_name=$3, company=$4, tags=$5::jsonb, status=$6, attributes=$7::jsonb, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.FirstName, item.LastName, item.Company, encodeTags(item.Tags), item.Status, jsonText(item.Attributes, "{}")))
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetContactStatus(ctx context.Context, contactID, status string) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `UPDATE contacts SET status=$2, updated_at=NOW() WHERE id=$1`, contactID, status))
	if err != nil {
		return fmt.Errorf("set contact status: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteContact(ctx context.Context, contactID string) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id=$1`, contactID))
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// AddContactEngagement adds opens and clicks and stores the recomputed lead score.
func (s *PostgresStore) AddContactEngagement(ctx context.Context, contactID string, opens, clicks, maxScore int) (Contact, error) {
	return scanContact(s.db.QueryRowContext(ctx, `
		UPDATE contacts
		SET opens=opens+$2, clicks=clicks+$3,
			lead_score=LEAST($4, (opens+$2) + 3*(clicks+$3)),
			updated_at=NOW()
		WHERE id=$1
		RETURNING `+contactColumns,
		contactID, opens, clicks, maxScore))
}

const campaignColumns = `id, name, subject, body, segment_tag, status, scheduled_at, sent_at, created_by, created_at, updated_at`

func scanCampaign(row rowScanner) (EmailCampaign, error) {
	var item EmailCampaign
	var scheduled, sent sql.NullTime
	err := row.Scan(&item.ID, &item.Name, &item.Subject, &item.Body, &item.SegmentTag, &item.Status, &scheduled, &sent,
		&item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return EmailCampaign{}, translate(err)
	}
	item.ScheduledAt = timePtr(scheduled)
	item.SentAt = timePtr(sent)
	return item, nil
}

func collectCampaigns(rows *sql.Rows) ([]EmailCampaign, error) {
	items := make([]EmailCampaign, 0)
	for rows.Next() {
		item, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertCampaign(ctx context.Context, item EmailCampaign) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_campaigns (id, name, subject, body, segment_tag, status, scheduled_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.Name, item.Subject, item.Body, item.SegmentTag, item.Status, item.ScheduledAt, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, campaignID string) (EmailCampaign, error) {
	return scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM email_campaigns WHERE id=$1`, campaignID))
}

func (s *PostgresStore) ListCampaigns(ctx context.Context) ([]EmailCampaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM email_campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

func (s *PostgresStore) ListDueCampaigns(ctx context.Context, now time.Time) ([]EmailCampaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM email_campaigns
		WHERE status='scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

// UpdateCampaignContent edits a campaign that has not started sending.
func (s *PostgresStore) UpdateCampaignContent(ctx context.Context, item EmailCampaign) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE email_campaigns
		SET name=$2, subject=$3, body=$4, segment_tag=$5, updated_at=NOW()
		WHERE id=$1 AND status IN ('draft', 'scheduled')
	`, item.ID, item.Name, item.Subject, item.Body, item.SegmentTag))
}

// TransitionCampaign moves a campaign from one status to another and reports whether it won the race.
func (s *PostgresStore) TransitionCampaign(ctx context.Context, campaignID, from, to string, scheduledAt *time.Time) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE email_campaigns
		SET status=$3, scheduled_at=COALESCE($4, scheduled_at), updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, campaignID, from, to, scheduledAt))
}

// CompleteCampaignIfDrained marks a sending campaign sent once no message is queued or in delivery.
func (s *PostgresStore) CompleteCampaignIfDrained(ctx context.Context, campaignID string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE email_campaigns SET status='sent', sent_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='sending'
			AND NOT EXISTS (SELECT 1 FROM campaign_messages WHERE campaign_id=$1 AND status IN ('queued', 'sending'))
	`, campaignID))
}

func (s *PostgresStore) DeleteCampaign(ctx context.Context, campaignID string) error {
	changed, err := rowsAffected(s.db.ExecContext(ctx, `DELETE FROM email_campaigns WHERE id=$1 AND status <> 'sending'`, campaignID))
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if !changed {
		if _, getErr := s.GetCampaign(ctx, campaignID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("delete campaign: %w: campaign is sending", ErrConflict)
	}
	return nil
}

const messageColumns = `id, campaign_id, contact_id, email, status, error, opens, clicks, sent_at, opened_at, clicked_at, created_at`

func scanMessage(row rowScanner) (CampaignMessage, error) {
	var item CampaignMessage
	var sent, opened, clicked sql.NullTime
	err := row.Scan(&item.ID, &item.CampaignID, &item.ContactID, &item.Email, &item.Status, &item.Error,
		&item.Opens, &item.Clicks, &sent, &opened, &clicked, &item.CreatedAt)
	if err != nil {
		return CampaignMessage{}, translate(err)
	}
	item.SentAt = timePtr(sent)
	item.OpenedAt = timePtr(opened)
	item.ClickedAt = timePtr(clicked)
	return item, nil
}

// InsertCampaignMessages stores queued messages, skipping contacts that already have one.
// It returns the messages that were actually inserted.
func (s *PostgresStore) InsertCampaignMessages(ctx context.Context, items []CampaignMessage) ([]CampaignMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin messages tx: %w", err)
	}
	inserted := make([]CampaignMessage, 0, len(items))
	for _, item := range items {
		created, err := scanMessage(tx.QueryRowContext(ctx, `
			INSERT INTO campaign_messages (id, campaign_id, contact_id, email, status)
			VALUES ($1, $2, $3, $4, 'queued')
			ON CONFLICT (campaign_id, contact_id) DO NOTHING
			RETURNING `+messageColumns,
			item.ID, item.CampaignID, item.ContactID, item.Email))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("insert campaign message: %w", err)
		}
		inserted = append(inserted, created)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit messages tx: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetCampaignMessage(ctx context.Context, messageID string) (CampaignMessage, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM campaign_messages WHERE id=$1`, messageID))
}

func (s *PostgresStore) ListCampaignMessages(ctx context.Context, campaignID string) ([]CampaignMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM campaign_messages WHERE campaign_id=$1 ORDER BY created_at, id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign messages: %w", err)
	}
	defer rows.Close()

	items := make([]CampaignMessage, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign message: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimMessage moves a queued message to sending; only one worker wins the claim.
func (s *PostgresStore) ClaimMessage(ctx context.Context, messageID string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE campaign_messages SET status='sending', claimed_at=NOW()
		WHERE id=$1 AND status='queued'
	`, messageID))
}

// SetMessageResult finalizes a queued or claimed message as sent or failed.
func (s *PostgresStore) SetMessageResult(ctx context.Context, messageID, status, errMessage string) (bool, error) {
	return rowsAffected(s.db.ExecContext(ctx, `
		UPDATE campaign_messages
		SET status=$2, error=$3, sent_at=CASE WHEN $2='sent' THEN NOW() ELSE sent_at END
		WHERE id=$1 AND status IN ('queued', 'sending')
	`, messageID, status, errMessage))
}

// FailStaleMessages fails messages claimed before cutoff whose outcome was never
// recorded and returns the affected campaign ids.
func (s *PostgresStore) FailStaleMessages(ctx context.Context, cutoff time.Time, reason string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE campaign_messages SET status='failed', error=$2
		WHERE status='sending' AND claimed_at < $1
		RETURNING campaign_id
	`, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("fail stale messages: %w", err)
	}
	defer rows.Close()
	seen := map[string]bool{}
	campaigns := []string{}
	for rows.Next() {
		var campaignID string
		if err := rows.Scan(&campaignID); err != nil {
			return nil, fmt.Errorf("scan stale message: %w", err)
		}
		if !seen[campaignID] {
			seen[campaignID] = true
			campaigns = append(campaigns, campaignID)
		}
	}
	return campaigns, rows.Err()
}

// RecordMessageOpen counts an open; first reports whether this was the first one.
func (s *PostgresStore) RecordMessageOpen(ctx context.Context, messageID string) (CampaignMessage, bool, error) {
	item, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE campaign_messages
		SET opens=opens+1, opened_at=COALESCE(opened_at, NOW())
		WHERE id=$1
		RETURNING `+messageColumns, messageID))
	if err != nil {
		return CampaignMessage{}, false, err
	}
	return item, item.Opens == 1, nil
}

// RecordMessageClick counts a click; a click also implies an open.
func (s *PostgresStore) RecordMessageClick(ctx context.Context, messageID string) (CampaignMessage, bool, error) {
	item, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE campaign_messages
		SET clicks=clicks+1, clicked_at=COALESCE(clicked_at, NOW()), opened_at=COALESCE(opened_at, NOW())
		WHERE id=$1
		RETURNING `+messageColumns, messageID))
	if err != nil {
		return CampaignMessage{}, false, err
	}
	return item, item.Clicks == 1, nil
}

func (s *PostgresStore) CampaignStats(ctx context.Context, campaignID string) (CampaignStats, error) {
	var stats CampaignStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('queued', 'sending')),
			COUNT(*) FILTER (WHERE status='sent'),
			COUNT(*) FILTER (WHERE status='failed'),
			COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
			COUNT(*) FILTER (WHERE clicked_at IS NOT NULL)
		FROM campaign_messages WHERE campaign_id=$1
	`, campaignID).Scan(&stats.Recipients, &stats.Queued, &stats.Sent, &stats.Failed, &stats.Opened, &stats.Clicked)
	if err != nil {
		return CampaignStats{}, fmt.Errorf("campaign stats: %w", err)
	}
	return stats, nil
}
