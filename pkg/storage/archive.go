// Package storage persists relayed packets so store-and-forward survives
// restarts.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var ErrNotFound = errors.New("not found")

// DefaultRetention is how long archived packets are kept.
const DefaultRetention = 24 * time.Hour

// ArchivedPacket is one stored packet.
type ArchivedPacket struct {
	ID        int64
	MessageID protocol.MessageID
	Type      protocol.MessageType
	Sender    protocol.PeerID
	Recipient protocol.PeerID
	Timestamp uint64 // packet timestamp, Unix ms
	Data      []byte // wire encoding
	StoredAt  int64  // hour bucket, Unix seconds
	ExpiresAt int64
}

// Packet decodes the stored wire bytes.
func (a *ArchivedPacket) Packet() (protocol.Packet, error) {
	return protocol.Decode(a.Data)
}

// PacketArchive stores mesh packets in SQLite keyed by message ID.
type PacketArchive struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// NewPacketArchive opens (or creates) the archive at dbPath.
// retention: how long packets are kept (default: 24 hours)
func NewPacketArchive(dbPath string, retention time.Duration) (*PacketArchive, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	archive := &PacketArchive{
		db:        db,
		retention: retention,
		now:       time.Now,
	}

	if err := archive.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return archive, nil
}

func (a *PacketArchive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id BLOB UNIQUE NOT NULL,
		type INTEGER NOT NULL,
		sender BLOB NOT NULL,
		recipient BLOB,
		timestamp INTEGER NOT NULL,
		data BLOB NOT NULL,
		stored_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	-- Index for expiration cleanup
	CREATE INDEX IF NOT EXISTS idx_packets_expires ON packets(expires_at);
	`

	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Store archives p under id. Storing the same ID twice is a no-op.
func (a *PacketArchive) Store(id protocol.MessageID, p *protocol.Packet) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}

	now := a.now().Unix()
	query := `
		INSERT OR IGNORE INTO packets (message_id, type, sender, recipient, timestamp, data, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = a.db.Exec(query, id[:], int(p.Type), p.SenderID.Bytes(), p.RecipientID.Bytes(),
		int64(p.Timestamp), data, bucketTimestamp(now), now+int64(a.retention.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to archive packet: %w", err)
	}
	return nil
}

// Get returns the archived packet with the given message ID.
func (a *PacketArchive) Get(id protocol.MessageID) (*ArchivedPacket, error) {
	query := `
		SELECT id, message_id, type, sender, recipient, timestamp, data, stored_at, expires_at
		FROM packets
		WHERE message_id = ? AND expires_at > ?
	`
	row := a.db.QueryRow(query, id[:], a.now().Unix())

	pkt, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pkt, err
}

// Recent returns up to limit unexpired packets, newest first.
func (a *PacketArchive) Recent(limit int) ([]*ArchivedPacket, error) {
	query := `
		SELECT id, message_id, type, sender, recipient, timestamp, data, stored_at, expires_at
		FROM packets
		WHERE expires_at > ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := a.db.Query(query, a.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query packets: %w", err)
	}
	defer rows.Close()

	var packets []*ArchivedPacket
	for rows.Next() {
		pkt, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, rows.Err()
}

// LoadRecent decodes up to limit unexpired packets, oldest first, for
// warming the in-memory message cache. Undecodable rows are skipped.
func (a *PacketArchive) LoadRecent(limit int) ([]protocol.Packet, error) {
	archived, err := a.Recent(limit)
	if err != nil {
		return nil, err
	}

	packets := make([]protocol.Packet, 0, len(archived))
	for i := len(archived) - 1; i >= 0; i-- {
		p, err := archived[i].Packet()
		if err != nil {
			continue
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// Count returns the number of unexpired packets.
func (a *PacketArchive) Count() (int, error) {
	var count int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM packets WHERE expires_at > ?`, a.now().Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count packets: %w", err)
	}
	return count, nil
}

// PurgeExpired deletes packets past their retention and returns how many
// were removed.
func (a *PacketArchive) PurgeExpired() (int64, error) {
	result, err := a.db.Exec(`DELETE FROM packets WHERE expires_at <= ?`, a.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge packets: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection
func (a *PacketArchive) Close() error {
	return a.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPacket(row rowScanner) (*ArchivedPacket, error) {
	var (
		pkt       ArchivedPacket
		messageID []byte
		msgType   int
		sender    []byte
		recipient []byte
		timestamp int64
	)
	err := row.Scan(&pkt.ID, &messageID, &msgType, &sender, &recipient, &timestamp,
		&pkt.Data, &pkt.StoredAt, &pkt.ExpiresAt)
	if err != nil {
		return nil, err
	}

	copy(pkt.MessageID[:], messageID)
	pkt.Type = protocol.MessageType(msgType)
	pkt.Sender = protocol.NewPeerID(sender)
	pkt.Recipient = protocol.NewPeerID(recipient)
	pkt.Timestamp = uint64(timestamp)
	return &pkt, nil
}

// bucketTimestamp rounds a Unix time down to the hour so the archive does
// not record precisely when a packet passed through this node.
func bucketTimestamp(unix int64) int64 {
	return unix - unix%3600
}
