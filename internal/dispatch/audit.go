package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

const auditGenesisSeed = "PaimonControl:audit:v1"

// auditChainLock is the advisory lock key serializing audit appends.
// Taking it transaction-scoped keeps the hash chain linear even when a
// writer rolls back: the next writer re-reads the committed tip.
const auditChainLock = int64(0x7061696d6f6e3a61)

// AuditEntry is one tamper-evident record of a state change. Detail
// values are strings so the canonical encoding survives the JSONB round
// trip during verification.
type AuditEntry struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]string
}

// AuditWriter appends hash-chained rows to audit_logs:
// entry_hash = SHA-256(prev_hash || canonical entry bytes), seeded from a
// genesis constant. Verification walks the rows front to back.
type AuditWriter struct {
	db *sql.DB
}

func NewAuditWriter(db *sql.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

// Write appends one entry inside the caller's transaction.
func (w *AuditWriter) Write(ctx context.Context, tx *sql.Tx, e *AuditEntry) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
		return errors.Wrap(err, "audit chain lock")
	}

	prev, err := w.tip(ctx, tx)
	if err != nil {
		return err
	}
	canonical, err := canonicalAuditBytes(e)
	if err != nil {
		return err
	}
	entryHash := chainHash(prev, canonical)

	detailsJSON, err := marshalDetails(e.Details)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO control.audit_logs (actor, action, entity_type, entity_id, details, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.Actor, e.Action, e.EntityType, e.EntityID, detailsJSON, prev[:], entryHash[:])
	return errors.Wrap(err, "insert audit log")
}

// tip reads the committed chain head, or the genesis hash on an empty log.
func (w *AuditWriter) tip(ctx context.Context, tx *sql.Tx) ([32]byte, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, `
		SELECT entry_hash FROM control.audit_logs ORDER BY id DESC LIMIT 1
	`).Scan(&raw)
	if err == sql.ErrNoRows {
		return sha256.Sum256([]byte(auditGenesisSeed)), nil
	}
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "audit chain tip")
	}
	var tip [32]byte
	copy(tip[:], raw)
	return tip, nil
}

// Verify recomputes the chain over the newest limit rows (0 = all) and
// reports the first break, if any. Returns the number of rows checked.
func (w *AuditWriter) Verify(ctx context.Context, limit int64) (int64, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = w.db.QueryContext(ctx, `
			SELECT id, actor, action, entity_type, entity_id, details, prev_hash, entry_hash
			FROM (
				SELECT * FROM control.audit_logs ORDER BY id DESC LIMIT $1
			) tail ORDER BY id
		`, limit)
	} else {
		rows, err = w.db.QueryContext(ctx, `
			SELECT id, actor, action, entity_type, entity_id, details, prev_hash, entry_hash
			FROM control.audit_logs ORDER BY id
		`)
	}
	if err != nil {
		return 0, errors.Wrap(err, "read audit chain")
	}
	defer rows.Close()

	var (
		checked  int64
		expected []byte // nil until the first row anchors the walk
	)
	for rows.Next() {
		var (
			id                                int64
			actor, action, entityType, entID string
			detailsJSON, prevHash, entryHash []byte
		)
		if err := rows.Scan(&id, &actor, &action, &entityType, &entID, &detailsJSON, &prevHash, &entryHash); err != nil {
			return checked, errors.Wrap(err, "scan audit row")
		}

		if expected != nil && !bytes.Equal(prevHash, expected) {
			return checked, errors.Errorf("audit chain broken at row %d: prev_hash mismatch", id)
		}

		var details map[string]string
		if err := json.Unmarshal(detailsJSON, &details); err != nil {
			return checked, errors.Wrapf(err, "audit row %d details", id)
		}
		canonical, err := canonicalAuditBytes(&AuditEntry{
			Actor: actor, Action: action, EntityType: entityType, EntityID: entID, Details: details,
		})
		if err != nil {
			return checked, err
		}
		var prev [32]byte
		copy(prev[:], prevHash)
		recomputed := chainHash(prev, canonical)
		if !bytes.Equal(entryHash, recomputed[:]) {
			return checked, errors.Errorf("audit chain broken at row %d: entry_hash mismatch", id)
		}

		expected = entryHash
		checked++
	}
	return checked, rows.Err()
}

// canonicalAuditBytes builds the hashed representation: length-prefixed
// fields plus the JSON-encoded details. Go marshals map keys sorted, so
// the encoding is deterministic on both the write and verify paths.
func canonicalAuditBytes(e *AuditEntry) ([]byte, error) {
	detailsJSON, err := marshalDetails(e.Details)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64+len(detailsJSON))
	for _, field := range [][]byte{
		[]byte(e.Actor), []byte(e.Action), []byte(e.EntityType), []byte(e.EntityID), detailsJSON,
	} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}
	return buf, nil
}

func marshalDetails(details map[string]string) ([]byte, error) {
	if details == nil {
		details = map[string]string{}
	}
	out, err := json.Marshal(details)
	return out, errors.Wrap(err, "marshal audit details")
}

func chainHash(prev [32]byte, canonical []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(canonical)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
