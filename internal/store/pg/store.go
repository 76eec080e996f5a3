package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/domain"
	"courier/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) GetMailbox(ctx context.Context, id int64) (domain.Mailbox, bool, error) {
	var m domain.Mailbox
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, from_name, from_email,
		       smtp_host, smtp_port, smtp_tls, smtp_username, smtp_password,
		       imap_host, imap_port, imap_tls, imap_username, imap_password,
		       sent_folder, bounce_folder
		FROM mailboxes WHERE id=$1
	`, id)
	err := row.Scan(&m.ID, &m.Name, &m.FromName, &m.FromEmail,
		&m.SMTPHost, &m.SMTPPort, &m.SMTPTLS, &m.SMTPUsername, &m.SMTPPassword,
		&m.IMAPHost, &m.IMAPPort, &m.IMAPTLS, &m.IMAPUsername, &m.IMAPPassword,
		&m.SentFolder, &m.BounceFolder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Mailbox{}, false, nil
		}
		return domain.Mailbox{}, false, err
	}
	return m, true, nil
}

func (s *Store) ListMailboxIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.Query(ctx, `SELECT id FROM mailboxes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (domain.Campaign, bool, error) {
	var c domain.Campaign
	var delayMS int64
	row := s.DB.QueryRow(ctx, `
		SELECT id, mailbox_id, name, subject, template_markdown, status,
		       COALESCE(chunk_size,0), COALESCE(chunk_delay_ms,0), created_at
		FROM campaigns WHERE id=$1
	`, id)
	err := row.Scan(&c.ID, &c.MailboxID, &c.Name, &c.Subject, &c.TemplateMarkdown,
		&c.Status, &c.ChunkSize, &delayMS, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	c.ChunkDelay = time.Duration(delayMS) * time.Millisecond
	return c, true, nil
}

// TransitionCampaign applies a guarded status change and reports whether the
// row actually moved, so callers can treat an already-transitioned campaign
// as a no-op instead of restarting it.
func (s *Store) TransitionCampaign(ctx context.Context, id int64, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, updated_at=$3
		WHERE id=$1 AND status = ANY($4)
	`, id, to, now, statusStrings(from))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func statusStrings(in []domain.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, st := range in {
		out[i] = string(st)
	}
	return out
}

// UpsertRecipient ingests one recipient, deduping on (campaign, lower(email)).
// A duplicate updates name and metadata rather than creating a second row.
func (s *Store) UpsertRecipient(ctx context.Context, in store.RecipientUpsert) (int64, error) {
	meta, _ := json.Marshal(in.Meta)
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO recipients (campaign_id, email, name, meta_json, unsubscribed, created_at)
		VALUES ($1, lower($2), $3, $4, false, $5)
		ON CONFLICT (campaign_id, email)
		DO UPDATE SET name = EXCLUDED.name, meta_json = EXCLUDED.meta_json
		RETURNING id
	`, in.CampaignID, in.Email, in.Name, meta, in.Now).Scan(&id)
	return id, err
}

func (s *Store) GetRecipient(ctx context.Context, id int64) (domain.Recipient, bool, error) {
	var r domain.Recipient
	var meta []byte
	row := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, email, COALESCE(name,''), unsubscribed, meta_json
		FROM recipients WHERE id=$1
	`, id)
	err := row.Scan(&r.ID, &r.CampaignID, &r.Email, &r.Name, &r.Unsubscribed, &meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Recipient{}, false, nil
		}
		return domain.Recipient{}, false, err
	}
	_ = json.Unmarshal(meta, &r.Meta)
	return r, true, nil
}

// PendingRecipientIDs returns, in id order, the campaign's recipients that
// are not unsubscribed and have no SENT message instance yet.
func (s *Store) PendingRecipientIDs(ctx context.Context, campaignID int64) ([]int64, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT r.id FROM recipients r
		LEFT JOIN message_instances mi
		       ON mi.campaign_id = r.campaign_id AND mi.recipient_id = r.id
		WHERE r.campaign_id = $1
		  AND r.unsubscribed = false
		  AND (mi.id IS NULL OR mi.status <> 'SENT')
		ORDER BY r.id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SetUnsubscribed(ctx context.Context, recipientID int64) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE recipients SET unsubscribed = true WHERE id=$1
	`, recipientID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// EnsureMessage inserts the message row if it does not exist and returns the
// stored row, so re-executions reuse the original message identifier.
func (s *Store) EnsureMessage(ctx context.Context, in store.MessageEnsure) (domain.MessageInstance, error) {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO message_instances (campaign_id, recipient_id, message_id, status, created_at, updated_at)
		VALUES ($1,$2,$3,'PENDING',$4,$4)
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING
	`, in.CampaignID, in.RecipientID, in.MessageID, in.Now)
	if err != nil {
		return domain.MessageInstance{}, err
	}
	mi, found, err := s.FindMessage(ctx, in.CampaignID, in.RecipientID)
	if err != nil {
		return domain.MessageInstance{}, err
	}
	if !found {
		return domain.MessageInstance{}, errors.New("message instance missing after ensure")
	}
	return mi, nil
}

func (s *Store) FindMessage(ctx context.Context, campaignID, recipientID int64) (domain.MessageInstance, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, recipient_id, message_id, status, COALESCE(last_error,''),
		       sent_at, bounced_at, opened_at, open_count, click_count
		FROM message_instances
		WHERE campaign_id=$1 AND recipient_id=$2
	`, campaignID, recipientID)
	return scanMessage(row)
}

func (s *Store) GetMessageByID(ctx context.Context, id int64) (domain.MessageInstance, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, recipient_id, message_id, status, COALESCE(last_error,''),
		       sent_at, bounced_at, opened_at, open_count, click_count
		FROM message_instances WHERE id=$1
	`, id)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (domain.MessageInstance, bool, error) {
	var m domain.MessageInstance
	err := row.Scan(&m.ID, &m.CampaignID, &m.RecipientID, &m.MessageID, &m.Status, &m.LastError,
		&m.SentAt, &m.BouncedAt, &m.OpenedAt, &m.OpenCount, &m.ClickCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MessageInstance{}, false, nil
		}
		return domain.MessageInstance{}, false, err
	}
	return m, true, nil
}

// MarkMessageSent is the idempotency guard: the SENT transition is written
// only from a non-SENT row. A false return means another execution already
// sent to this recipient and the caller must count it as skipped.
func (s *Store) MarkMessageSent(ctx context.Context, id int64, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE message_instances
		SET status='SENT', sent_at=$2, last_error=NULL, updated_at=$2
		WHERE id=$1 AND status <> 'SENT'
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MarkMessageFailed records a per-recipient diagnostic. It never demotes a
// row that has already reached SENT.
func (s *Store) MarkMessageFailed(ctx context.Context, id int64, diagnostic string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE message_instances
		SET status='FAILED', last_error=$2, updated_at=$3
		WHERE id=$1 AND status <> 'SENT'
	`, id, diagnostic, now)
	return err
}

// MarkMessageBounced sets bounced_at once; repeat scans of the same bounce
// leave the first timestamp in place.
func (s *Store) MarkMessageBounced(ctx context.Context, id int64, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE message_instances
		SET status='BOUNCED', bounced_at=$2, updated_at=$2
		WHERE id=$1 AND bounced_at IS NULL
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) RecordOpen(ctx context.Context, in store.OpenEventInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO open_events (message_instance_id, ts) VALUES ($1,$2)
	`, in.MessageInstanceID, in.Now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE message_instances
		SET open_count = open_count + 1,
		    opened_at = COALESCE(opened_at, $2),
		    updated_at = $2
		WHERE id=$1
	`, in.MessageInstanceID, in.Now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) RecordClick(ctx context.Context, in store.LinkClickInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO link_clicks (link_id, message_instance_id, ts) VALUES ($1,$2,$3)
	`, in.LinkID, in.MessageInstanceID, in.Now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE message_instances
		SET click_count = click_count + 1, updated_at = $2
		WHERE id=$1
	`, in.MessageInstanceID, in.Now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EnsureLink returns the stable token for a destination URL within a
// campaign, creating the row on first use. The (campaign_id, url) unique
// constraint makes the token stable across recipients.
func (s *Store) EnsureLink(ctx context.Context, campaignID int64, url, token string) (string, error) {
	var got string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO links (campaign_id, url, token)
		VALUES ($1,$2,$3)
		ON CONFLICT (campaign_id, url) DO UPDATE SET url = EXCLUDED.url
		RETURNING token
	`, campaignID, url, token).Scan(&got)
	return got, err
}

func (s *Store) GetLinkByToken(ctx context.Context, token string) (domain.Link, bool, error) {
	var l domain.Link
	row := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, url, token FROM links WHERE token=$1
	`, token)
	err := row.Scan(&l.ID, &l.CampaignID, &l.URL, &l.Token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Link{}, false, nil
		}
		return domain.Link{}, false, err
	}
	return l, true, nil
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEventInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (message_instance_id, kind, diagnostic, source_message_id, ts)
		VALUES ($1,$2,$3,$4,$5)
	`, in.MessageInstanceID, in.Kind, in.Diagnostic, nullIfEmpty(in.SourceMessageID), in.Now)
	return err
}

// HasDeliveryEventForSource guards against duplicate events when a mailbox
// message is fetched again despite the seen flag (some servers drop flags).
func (s *Store) HasDeliveryEventForSource(ctx context.Context, sourceMessageID string) (bool, error) {
	if sourceMessageID == "" {
		return false, nil
	}
	var one int
	err := s.DB.QueryRow(ctx, `
		SELECT 1 FROM delivery_events WHERE source_message_id=$1 LIMIT 1
	`, sourceMessageID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) InsertChunkReport(ctx context.Context, in store.ChunkReportInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO chunk_reports (campaign_id, chunk_index, attempted, sent, failed, skipped, diagnostic, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, in.CampaignID, in.ChunkIndex, in.Attempted, in.Sent, in.Failed, in.Skipped, nullIfEmpty(in.Diagnostic), in.Now)
	return err
}

// RecentChunkDiagnostics returns a sample of chunk-level error text for the
// campaign-completion summary.
func (s *Store) RecentChunkDiagnostics(ctx context.Context, campaignID int64, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT diagnostic FROM chunk_reports
		WHERE campaign_id=$1 AND diagnostic IS NOT NULL
		ORDER BY ts DESC LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CampaignCounts(ctx context.Context, campaignID int64) (store.CampaignCounts, error) {
	var c store.CampaignCounts
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(r.id),
		       COUNT(*) FILTER (WHERE mi.status = 'SENT'),
		       COUNT(*) FILTER (WHERE mi.status = 'FAILED'),
		       COUNT(*) FILTER (WHERE mi.id IS NULL OR mi.status = 'PENDING')
		FROM recipients r
		LEFT JOIN message_instances mi
		       ON mi.campaign_id = r.campaign_id AND mi.recipient_id = r.id
		WHERE r.campaign_id = $1 AND r.unsubscribed = false
	`, campaignID).Scan(&c.Total, &c.Sent, &c.Failed, &c.Pending)
	return c, err
}

func (s *Store) ExportRecipients(ctx context.Context, campaignID int64) ([]store.RecipientExport, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT r.email, COALESCE(r.name,''), COALESCE(mi.status,'PENDING'),
		       mi.sent_at, mi.bounced_at,
		       COALESCE(mi.open_count,0), COALESCE(mi.click_count,0)
		FROM recipients r
		LEFT JOIN message_instances mi
		       ON mi.campaign_id = r.campaign_id AND mi.recipient_id = r.id
		WHERE r.campaign_id = $1
		ORDER BY r.id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.RecipientExport
	for rows.Next() {
		var e store.RecipientExport
		if err := rows.Scan(&e.Email, &e.Name, &e.Status, &e.SentAt, &e.BouncedAt, &e.Opens, &e.Clicks); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindMessageByThreadRefs resolves a reply by its In-Reply-To / References
// header values against stored message identifiers. Used only when the
// direct identifier match fails.
func (s *Store) FindMessageByThreadRefs(ctx context.Context, refs []string) (domain.MessageInstance, bool, error) {
	if len(refs) == 0 {
		return domain.MessageInstance{}, false, nil
	}
	row := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, recipient_id, message_id, status, COALESCE(last_error,''),
		       sent_at, bounced_at, opened_at, open_count, click_count
		FROM message_instances WHERE message_id = ANY($1)
		ORDER BY id LIMIT 1
	`, refs)
	return scanMessage(row)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
