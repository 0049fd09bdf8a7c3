package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"wapipe/internal/domain"
	"wapipe/internal/store"
	"wapipe/internal/util"
)

const uniqueViolation = "23505"

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) SaveCorrelation(ctx context.Context, e domain.CorrelationEntry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO message_correlations (id, provider_message_id, hash, conversation_id, workspace_id, channel_config_token, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, util.NewHash(), e.ProviderMessageID, e.Hash, nullIfEmpty(e.ConversationID), nullIfEmpty(e.WorkspaceID), e.ChannelToken, e.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return err
}

func (s *Store) FindCorrelation(ctx context.Context, providerMessageID string) (domain.CorrelationEntry, error) {
	var e domain.CorrelationEntry
	err := s.DB.QueryRow(ctx, `
		SELECT provider_message_id, hash, COALESCE(conversation_id,''), COALESCE(workspace_id,''), channel_config_token, created_at
		FROM message_correlations WHERE provider_message_id=$1
	`, providerMessageID).Scan(&e.ProviderMessageID, &e.Hash, &e.ConversationID, &e.WorkspaceID, &e.ChannelToken, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CorrelationEntry{}, domain.ErrNotFound
	}
	return e, err
}

// ClaimInbound inserts a processing claim, or takes over one that went stale.
// When the claim is refused it reports whether the holder finished or is
// still working.
func (s *Store) ClaimInbound(ctx context.Context, in store.InboundClaim) (store.ClaimState, error) {
	staleBefore := in.Now.Add(-in.StaleAfter)
	var claimed bool
	err := s.DB.QueryRow(ctx, `
		INSERT INTO inbound_messages (provider_message_id, provider, channel_token, state, updated_at)
		VALUES ($1,$2,$3,'processing',$4)
		ON CONFLICT (provider_message_id) DO UPDATE
		SET state='processing', updated_at=EXCLUDED.updated_at
		WHERE inbound_messages.state='processing' AND inbound_messages.updated_at < $5
		RETURNING true
	`, in.ProviderMessageID, in.Provider, in.ChannelToken, in.Now, staleBefore).Scan(&claimed)
	if err == nil {
		return store.ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.ClaimInFlight, err
	}

	var state string
	err = s.DB.QueryRow(ctx, `
		SELECT state FROM inbound_messages WHERE provider_message_id=$1
	`, in.ProviderMessageID).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Released between the two statements; let the redelivery claim it.
		return store.ClaimInFlight, nil
	case err != nil:
		return store.ClaimInFlight, err
	case state == "done":
		return store.ClaimDone, nil
	}
	return store.ClaimInFlight, nil
}

func (s *Store) CompleteInbound(ctx context.Context, providerMessageID, conversationID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE inbound_messages SET state='done', conversation_id=$2, updated_at=$3
		WHERE provider_message_id=$1
	`, providerMessageID, nullIfEmpty(conversationID), now)
	return err
}

func (s *Store) ReleaseInbound(ctx context.Context, providerMessageID string) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM inbound_messages WHERE provider_message_id=$1 AND state='processing'
	`, providerMessageID)
	return err
}

// AdvanceAck applies the ack ordering: progress states only move forward and
// a failure replaces anything but the same failure.
func (s *Store) AdvanceAck(ctx context.Context, in store.AckAdvance) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO message_acks (hash, ack_type, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (hash) DO UPDATE
		SET ack_type=EXCLUDED.ack_type, updated_at=EXCLUDED.updated_at
		WHERE (EXCLUDED.ack_type < 0 AND message_acks.ack_type <> EXCLUDED.ack_type)
		   OR (EXCLUDED.ack_type >= 0 AND message_acks.ack_type >= 0 AND EXCLUDED.ack_type > message_acks.ack_type)
	`, in.Hash, in.AckType, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider, provider_message_id, hash, status, ack_type, error_code, applied, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, in.Provider, in.ProviderMessageID, in.Hash, in.Status, in.AckType, nullIfEmpty(in.ErrorCode), in.Applied, in.OccurredAt)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
