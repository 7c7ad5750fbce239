package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	_ "modernc.org/sqlite"

	"aetherlock/core/events"
	"aetherlock/hub"
	"aetherlock/native/escrow"
)

// SQLiteStore persists escrows, chat messages and the domain event audit
// trail. It backs both the escrow engine's state interface and the hub's
// message store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The engine serializes writers per escrow; a single connection keeps
	// SQLite from returning busy errors under concurrent readers.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS escrows (
            id TEXT PRIMARY KEY,
            client TEXT NOT NULL,
            freelancer TEXT,
            amount TEXT NOT NULL,
            currency TEXT NOT NULL,
            title TEXT NOT NULL,
            description TEXT,
            deadline INTEGER NOT NULL,
            status TEXT NOT NULL,
            work_description TEXT,
            evidence_handle TEXT,
            verification TEXT,
            dispute_raised INTEGER NOT NULL DEFAULT 0,
            dispute TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_client ON escrows(client);`,
		`CREATE INDEX IF NOT EXISTS idx_escrows_freelancer ON escrows(freelancer);`,
		`CREATE TABLE IF NOT EXISTS messages (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL,
            escrow_id TEXT NOT NULL,
            sender TEXT NOT NULL,
            sender_role TEXT NOT NULL,
            content TEXT NOT NULL,
            read INTEGER NOT NULL DEFAULT 0,
            timestamp INTEGER NOT NULL,
            UNIQUE(escrow_id, id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_escrow ON messages(escrow_id, timestamp, seq);`,
		`CREATE TABLE IF NOT EXISTS settlements (
            receipt TEXT PRIMARY KEY,
            escrow_id TEXT NOT NULL UNIQUE,
            freelancer TEXT NOT NULL,
            amount TEXT NOT NULL,
            currency TEXT NOT NULL,
            released_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS domain_events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            escrow_id TEXT,
            attributes TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EscrowPut upserts an escrow row. The verification result and dispute
// record are stored as JSON documents alongside the scalar columns.
func (s *SQLiteStore) EscrowPut(ctx context.Context, esc *escrow.Escrow) error {
	if esc == nil {
		return fmt.Errorf("storage: nil escrow")
	}
	verification, err := marshalNullable(esc.Verification)
	if err != nil {
		return fmt.Errorf("storage: encode verification: %w", err)
	}
	dispute, err := marshalNullable(esc.Dispute)
	if err != nil {
		return fmt.Errorf("storage: encode dispute: %w", err)
	}
	disputeRaised := 0
	if esc.DisputeRaised {
		disputeRaised = 1
	}
	const stmt = `INSERT INTO escrows(id, client, freelancer, amount, currency, title, description, deadline, status, work_description, evidence_handle, verification, dispute_raised, dispute, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            freelancer = excluded.freelancer,
            status = excluded.status,
            work_description = excluded.work_description,
            evidence_handle = excluded.evidence_handle,
            verification = excluded.verification,
            dispute_raised = excluded.dispute_raised,
            dispute = excluded.dispute,
            updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, stmt,
		esc.ID, esc.Client, esc.Freelancer, esc.Amount, esc.Currency, esc.Title, esc.Description,
		esc.Deadline, esc.Status.String(), esc.WorkDescription, esc.EvidenceHandle,
		verification, disputeRaised, dispute, esc.CreatedAt, esc.UpdatedAt,
	)
	return err
}

// EscrowGet loads an escrow by id.
func (s *SQLiteStore) EscrowGet(ctx context.Context, id string) (*escrow.Escrow, bool, error) {
	const query = `SELECT id, client, freelancer, amount, currency, title, description, deadline, status, work_description, evidence_handle, verification, dispute_raised, dispute, created_at, updated_at FROM escrows WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	esc, err := scanEscrow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// EscrowsByParticipant lists escrows where the wallet is client or
// freelancer, newest first.
func (s *SQLiteStore) EscrowsByParticipant(ctx context.Context, wallet string) ([]*escrow.Escrow, error) {
	const query = `SELECT id, client, freelancer, amount, currency, title, description, deadline, status, work_description, evidence_handle, verification, dispute_raised, dispute, created_at, updated_at FROM escrows WHERE client = ? COLLATE NOCASE OR freelancer = ? COLLATE NOCASE ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, wallet, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*escrow.Escrow
	for rows.Next() {
		esc, err := scanEscrow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanEscrow(scan func(dest ...any) error) (*escrow.Escrow, error) {
	var (
		esc           escrow.Escrow
		freelancer    sql.NullString
		description   sql.NullString
		workDesc      sql.NullString
		evidence      sql.NullString
		statusName    string
		verification  sql.NullString
		dispute       sql.NullString
		disputeRaised int
	)
	if err := scan(&esc.ID, &esc.Client, &freelancer, &esc.Amount, &esc.Currency, &esc.Title, &description,
		&esc.Deadline, &statusName, &workDesc, &evidence, &verification, &disputeRaised, &dispute,
		&esc.CreatedAt, &esc.UpdatedAt); err != nil {
		return nil, err
	}
	status, err := escrow.ParseStatus(statusName)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	esc.Status = status
	esc.Freelancer = freelancer.String
	esc.Description = description.String
	esc.WorkDescription = workDesc.String
	esc.EvidenceHandle = evidence.String
	esc.DisputeRaised = disputeRaised == 1
	if verification.Valid && verification.String != "" {
		var result escrow.VerificationResult
		if err := json.Unmarshal([]byte(verification.String), &result); err != nil {
			return nil, fmt.Errorf("storage: decode verification: %w", err)
		}
		esc.Verification = &result
	}
	if dispute.Valid && dispute.String != "" {
		var info escrow.DisputeInfo
		if err := json.Unmarshal([]byte(dispute.String), &info); err != nil {
			return nil, fmt.Errorf("storage: decode dispute: %w", err)
		}
		esc.Dispute = &info
	}
	return &esc, nil
}

// MessageInsert appends a chat message. The autoincrement sequence is the
// tiebreaker for messages sharing a timestamp.
func (s *SQLiteStore) MessageInsert(ctx context.Context, msg *hub.Message) error {
	if msg == nil {
		return fmt.Errorf("storage: nil message")
	}
	const stmt = `INSERT INTO messages(id, escrow_id, sender, sender_role, content, read, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`
	read := 0
	if msg.Read {
		read = 1
	}
	res, err := s.db.ExecContext(ctx, stmt, msg.ID, msg.EscrowID, msg.Sender, string(msg.Role), msg.Content, read, msg.Timestamp)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		msg.Seq = seq
	}
	return nil
}

// MessageGet fetches one message scoped to its escrow.
func (s *SQLiteStore) MessageGet(ctx context.Context, escrowID, messageID string) (*hub.Message, bool, error) {
	const query = `SELECT seq, id, escrow_id, sender, sender_role, content, read, timestamp FROM messages WHERE escrow_id = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, query, escrowID, messageID)
	msg, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// MessageMarkRead flips the read flag. The WHERE clause keeps the flip
// monotonic: an already-read row is untouched.
func (s *SQLiteStore) MessageMarkRead(ctx context.Context, escrowID, messageID string) error {
	const stmt = `UPDATE messages SET read = 1 WHERE escrow_id = ? AND id = ? AND read = 0`
	_, err := s.db.ExecContext(ctx, stmt, escrowID, messageID)
	return err
}

// MessagesByEscrow returns the chat history ordered by timestamp with ties
// broken by insertion sequence.
func (s *SQLiteStore) MessagesByEscrow(ctx context.Context, escrowID string) ([]*hub.Message, error) {
	const query = `SELECT seq, id, escrow_id, sender, sender_role, content, read, timestamp FROM messages WHERE escrow_id = ? ORDER BY timestamp ASC, seq ASC`
	rows, err := s.db.QueryContext(ctx, query, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*hub.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanMessage(scan func(dest ...any) error) (*hub.Message, error) {
	var (
		msg  hub.Message
		role string
		read int
	)
	if err := scan(&msg.Seq, &msg.ID, &msg.EscrowID, &msg.Sender, &role, &msg.Content, &read, &msg.Timestamp); err != nil {
		return nil, err
	}
	msg.Role = escrow.Role(role)
	msg.Read = read == 1
	return &msg, nil
}

// RecordRelease appends a settlement ledger entry for a released escrow
// and returns the receipt identifier. Releasing the same escrow twice is a
// conflict at this layer as well as in the state machine.
func (s *SQLiteStore) RecordRelease(ctx context.Context, esc *escrow.Escrow) (string, error) {
	if esc == nil {
		return "", fmt.Errorf("storage: nil escrow")
	}
	releasedAt := time.Now().Unix()
	receipt := hexutil.Encode(ethcrypto.Keccak256([]byte(fmt.Sprintf("release|%s|%s|%d", esc.ID, esc.Freelancer, releasedAt))))
	const stmt = `INSERT INTO settlements(receipt, escrow_id, freelancer, amount, currency, released_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, receipt, esc.ID, esc.Freelancer, esc.Amount, esc.Currency, releasedAt); err != nil {
		return "", err
	}
	return receipt, nil
}

// EventInsert appends a domain event to the audit trail.
func (s *SQLiteStore) EventInsert(ctx context.Context, evt events.Event) error {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO domain_events(type, escrow_id, attributes, created_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, evt.Type, evt.Attributes["escrowId"], string(attrs), time.Now().UTC())
	return err
}

func marshalNullable(v any) (any, error) {
	switch value := v.(type) {
	case *escrow.VerificationResult:
		if value == nil {
			return nil, nil
		}
	case *escrow.DisputeInfo:
		if value == nil {
			return nil, nil
		}
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}
