package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/omochice/socket-chat/internal/chat"
)

// Archive wire layout:
//
//	message Archive { repeated Record records = 1; }
//	message Record {
//	  string sender = 1;
//	  string receiver = 2;
//	  string content = 3;
//	  string kind = 4;
//	  int64 timestamp = 5; // unix seconds
//	}
const (
	archiveRecords = protowire.Number(1)

	recordSender    = protowire.Number(1)
	recordReceiver  = protowire.Number(2)
	recordContent   = protowire.Number(3)
	recordKind      = protowire.Number(4)
	recordTimestamp = protowire.Number(5)
)

// Export writes every stored message to w and returns the record count.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	records, err := s.queryMessages(ctx,
		`SELECT id, sender, receiver, content, kind, timestamp FROM messages ORDER BY id`,
	)
	if err != nil {
		return 0, err
	}

	var b []byte
	for _, rec := range records {
		b = protowire.AppendTag(b, archiveRecords, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRecord(nil, rec))
	}
	if _, err := w.Write(b); err != nil {
		return 0, fmt.Errorf("failed to write archive: %w", err)
	}
	return len(records), nil
}

// Import appends the messages of an archive read from r and returns the
// record count. Nothing is stored when the archive is malformed.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read archive: %w", err)
	}
	records, err := decodeArchive(data)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (sender, receiver, content, kind, timestamp) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare import: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.Sender, rec.Receiver, rec.Content, string(rec.Kind), rec.Timestamp.UTC()); err != nil {
			return 0, fmt.Errorf("failed to import message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	return len(records), nil
}

func appendRecord(b []byte, rec chat.Record) []byte {
	b = appendString(b, recordSender, rec.Sender)
	b = appendString(b, recordReceiver, rec.Receiver)
	b = appendString(b, recordContent, rec.Content)
	b = appendString(b, recordKind, string(rec.Kind))
	b = protowire.AppendTag(b, recordTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Timestamp.Unix()))
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func decodeArchive(b []byte) ([]chat.Record, error) {
	var records []chat.Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed archive: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num != archiveRecords || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed archive: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed archive: %w", protowire.ParseError(n))
		}
		b = b[n:]

		rec, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(b []byte) (chat.Record, error) {
	var rec chat.Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, fmt.Errorf("malformed record: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num >= recordSender && num <= recordKind:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return rec, fmt.Errorf("malformed record: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case recordSender:
				rec.Sender = v
			case recordReceiver:
				rec.Receiver = v
			case recordContent:
				rec.Content = v
			case recordKind:
				rec.Kind = chat.MessageKind(v)
			}
		case typ == protowire.VarintType && num == recordTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return rec, fmt.Errorf("malformed record: %w", protowire.ParseError(n))
			}
			b = b[n:]
			rec.Timestamp = time.Unix(int64(v), 0).UTC()
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rec, fmt.Errorf("malformed record: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if rec.Sender == "" || rec.Kind == "" {
		return rec, fmt.Errorf("malformed record: missing sender or kind")
	}
	return rec, nil
}
