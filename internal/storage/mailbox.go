package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// Mailboxer is the durable mailbox contract consumed by the manager and
// the write-behind job.
type Mailboxer interface {
	Store(ctx context.Context, env *model.Envelope) error
	Delete(ctx context.Context, addr model.DeviceAddress, ids []string) error
	LoadAll(ctx context.Context, addr model.DeviceAddress) ([]*model.Envelope, error)
	ClearDevice(ctx context.Context, addr model.DeviceAddress) error
}

var _ Mailboxer = (*Mailbox)(nil)

// Mailbox is the transactional store backing crash recovery. Rows exist
// only for envelopes that outlived the write-behind delay without being
// consumed; on cold start it is the source of truth and the hot queue
// is rebuilt lazily by Fetch.
type Mailbox struct {
	pool *pgxpool.Pool
}

func NewMailbox(pool *pgxpool.Pool) *Mailbox {
	return &Mailbox{pool: pool}
}

const mailboxSchema = `
CREATE TABLE IF NOT EXISTS mailbox (
    account_number   TEXT        NOT NULL,
    device_id        BIGINT      NOT NULL,
    message_id       TEXT        NOT NULL,
    type             SMALLINT    NOT NULL,
    source           TEXT        NOT NULL,
    ciphertext       BYTEA,
    server_timestamp BIGINT      NOT NULL,
    PRIMARY KEY (account_number, device_id, message_id)
);
CREATE INDEX IF NOT EXISTS mailbox_device_idx
    ON mailbox (account_number, device_id, server_timestamp);`

// Migrate creates the mailbox table. Called once at boot.
func (m *Mailbox) Migrate(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, mailboxSchema); err != nil {
		return storeErr("migrate", err)
	}
	return nil
}

// Store is insert-if-absent: replaying the same envelope id is a no-op.
func (m *Mailbox) Store(ctx context.Context, env *model.Envelope) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO mailbox (account_number, device_id, message_id, type, source, ciphertext, server_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_number, device_id, message_id) DO NOTHING`,
		env.Destination.Account, env.Destination.DeviceID, env.ID,
		int16(env.Type), env.Source.Key(), env.Content, env.ServerTimestamp,
	)
	if err != nil {
		return storeErr("store", err)
	}
	return nil
}

// Delete removes rows by id. Absent ids are silently skipped.
func (m *Mailbox) Delete(ctx context.Context, addr model.DeviceAddress, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.pool.Exec(ctx, `
		DELETE FROM mailbox
		WHERE account_number = $1 AND device_id = $2 AND message_id = ANY($3)`,
		addr.Account, addr.DeviceID, ids,
	)
	if err != nil {
		return storeErr("delete", err)
	}
	return nil
}

// LoadAll returns every persisted envelope for the device in timestamp
// order. Fetch merges this with the hot queue.
func (m *Mailbox) LoadAll(ctx context.Context, addr model.DeviceAddress) ([]*model.Envelope, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT message_id, type, source, ciphertext, server_timestamp
		FROM mailbox
		WHERE account_number = $1 AND device_id = $2
		ORDER BY server_timestamp`,
		addr.Account, addr.DeviceID,
	)
	if err != nil {
		return nil, storeErr("load", err)
	}
	defer rows.Close()

	var out []*model.Envelope
	for rows.Next() {
		var (
			env       model.Envelope
			envType   int16
			sourceKey string
		)
		if err := rows.Scan(&env.ID, &envType, &sourceKey, &env.Content, &env.ServerTimestamp); err != nil {
			return nil, storeErr("scan", err)
		}
		env.Type = model.EnvelopeType(envType)
		env.Destination = addr
		if src, err := model.ParseDeviceAddress(sourceKey); err == nil {
			env.Source = src
		}
		out = append(out, &env)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load", err)
	}
	return out, nil
}

// ClearDevice wipes one device mailbox inside a transaction so account
// re-registration never leaves a partially wiped mailbox behind.
func (m *Mailbox) ClearDevice(ctx context.Context, addr model.DeviceAddress) error {
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM mailbox WHERE account_number = $1 AND device_id = $2`,
			addr.Account, addr.DeviceID,
		)
		return err
	})
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
}
