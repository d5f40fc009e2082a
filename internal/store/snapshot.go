package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore 把文档快照写入 MySQL（热路径之外），并在冷启动时
// 提供最新内容。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, version, content)
		VALUES (?, ?, ?)`,
		docID,
		version,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一 (document_id, version) 已存在：内容一致，视为成功
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LoadLatestSnapshot returns sql.ErrNoRows when the document has never been
// snapshotted; callers start from an empty document in that case.
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, docID string) (string, uint64, error) {
	var content string
	var version uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT content, version FROM document_snapshots
		WHERE document_id = ?
		ORDER BY version DESC LIMIT 1`,
		docID,
	).Scan(&content, &version)
	if err != nil {
		return "", 0, err
	}
	return content, version, nil
}
