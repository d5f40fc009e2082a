package collab

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"collabcode/internal/ot"
	"collabcode/internal/session"
)

// Service 协作引擎接口：每个文档的唯一排序权威。
type Service interface {
	Join(ctx context.Context, docID string, userID uint64, username, sessionID string) (JoinResult, error)
	Leave(ctx context.Context, docID string, userID uint64) error

	// Submit validates, transforms and version-stamps one operation.
	// 同一文档严格串行；不同文档互不影响。
	Submit(ctx context.Context, docID string, authorID uint64, clientID string, clientSeq uint64, op ot.Operation) (AppliedOp, error)

	// Resync 返回 fromVersion 之后的增量操作；若该区间已被压缩，
	// 改为返回全量内容。
	Resync(ctx context.Context, docID string, fromVersion uint64) (ResyncResult, error)

	UpdatePresence(ctx context.Context, docID string, userID uint64, cursor session.Cursor, sel *session.Selection) error
	Heartbeat(ctx context.Context, docID string, userID uint64, ackedVersion uint64) error

	CurrentVersion(ctx context.Context, docID string) (uint64, error)
	Content(ctx context.Context, docID string) (string, uint64, error)

	SaveSnapshot(ctx context.Context, docID string) error
	ActiveDocuments(ctx context.Context) []string

	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
	LookupDocument(ctx context.Context, title string) (string, error)
}

// SnapshotStore 快照存储接口（热路径之外的持久化协作方）。
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content string) error
	LoadLatestSnapshot(ctx context.Context, docID string) (content string, version uint64, err error)
}

// DocumentStore 文档元数据存储接口。
type DocumentStore interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
}

type JoinResult struct {
	Content      string
	Version      uint64
	Participant  session.Participant
	Participants []session.Participant
}

type ResyncResult struct {
	Ops     []AppliedOp
	Full    bool
	Content string
	Version uint64
}

// Sequencer 内存实现：持有所有活跃文档的权威状态。
type Sequencer struct {
	mu   sync.RWMutex
	docs map[string]*document

	// 同一文档的并发冷启动合并为一次快照加载
	loads singleflight.Group

	registry *session.Registry

	snapshots SnapshotStore
	documents DocumentStore
	events    *KafkaDispatcher

	// onApplied 在文档锁内回调，保证每个接收方看到的版本单调递增
	onApplied func(docID string, entry AppliedOp)

	// logRetention: keep at least this many log entries regardless of acks,
	// so briefly silent clients can still resync incrementally.
	logRetention int
}

type SequencerOptions struct {
	LogRetention int
}

func NewSequencer(snapshots SnapshotStore, documents DocumentStore, registry *session.Registry, events *KafkaDispatcher, opt SequencerOptions) *Sequencer {
	if opt.LogRetention <= 0 {
		opt.LogRetention = 256
	}
	return &Sequencer{
		docs:         make(map[string]*document),
		registry:     registry,
		snapshots:    snapshots,
		documents:    documents,
		events:       events,
		logRetention: opt.LogRetention,
	}
}

// SetOnApplied registers the fan-out hook for accepted operations. The hook
// runs while the document lock is still held, so deliveries observe stamp
// order; implementations must enqueue and return without blocking. Wired
// once before traffic starts.
func (s *Sequencer) SetOnApplied(fn func(docID string, entry AppliedOp)) {
	s.onApplied = fn
}

// getOrColdStart 返回文档状态；不存在时从快照冷启动（并发请求只加载一次），
// 没有快照则创建空文档。
func (s *Sequencer) getOrColdStart(ctx context.Context, docID string) (*document, error) {
	s.mu.RLock()
	d := s.docs[docID]
	s.mu.RUnlock()
	if d != nil {
		return d, nil
	}

	v, err, _ := s.loads.Do(docID, func() (interface{}, error) {
		s.mu.RLock()
		if d := s.docs[docID]; d != nil {
			s.mu.RUnlock()
			return d, nil
		}
		s.mu.RUnlock()

		content, version := "", uint64(0)
		if s.snapshots != nil {
			c, ver, err := s.snapshots.LoadLatestSnapshot(ctx, docID)
			switch {
			case err == nil:
				content, version = c, ver
			case errors.Is(err, sql.ErrNoRows):
				// fresh empty document
			default:
				// 快照存在但读不回来才是致命错误
				return nil, err
			}
		}
		d := newDocument(content, version)
		s.mu.Lock()
		s.docs[docID] = d
		s.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*document), nil
}

func (s *Sequencer) lookup(docID string) *document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID]
}

func (s *Sequencer) Join(ctx context.Context, docID string, userID uint64, username, sessionID string) (JoinResult, error) {
	d, err := s.getOrColdStart(ctx, docID)
	if err != nil {
		return JoinResult{}, err
	}
	d.mu.Lock()
	d.phase = phaseActive
	content := d.buf.String()
	version := d.version
	d.mu.Unlock()

	p, others := s.registry.Join(docID, userID, username, sessionID, version)
	return JoinResult{Content: content, Version: version, Participant: *p, Participants: others}, nil
}

func (s *Sequencer) Leave(ctx context.Context, docID string, userID uint64) error {
	s.registry.Leave(docID, userID)
	if d := s.lookup(docID); d != nil {
		d.mu.Lock()
		if _, ok := s.registry.MinAckedVersion(docID); !ok {
			d.phase = phaseDraining
		}
		d.mu.Unlock()
	}
	return nil
}

func (s *Sequencer) Submit(ctx context.Context, docID string, authorID uint64, clientID string, clientSeq uint64, op ot.Operation) (AppliedOp, error) {
	d, err := s.getOrColdStart(ctx, docID)
	if err != nil {
		return AppliedOp{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// 幂等/去重：同一 clientId 只接受递增的 clientSeq
	if last := d.lastSeqByClient[clientID]; clientSeq <= last {
		return AppliedOp{}, ErrDuplicateOrOutOfOrder
	}
	if op.BaseVersion > d.version {
		return AppliedOp{}, ErrRevisionAhead
	}
	if op.BaseVersion < d.floor {
		// 需要 transform 的历史已被压缩，客户端必须先 resync
		return AppliedOp{}, ErrStaleResync
	}

	// Transform against every accepted operation the author had not seen.
	transformed := ot.TransformAgainstLog(op, d.tail(op.BaseVersion))
	if err := transformed.Validate(d.buf.Len()); err != nil {
		return AppliedOp{}, err
	}
	if err := d.apply(transformed); err != nil {
		// Validate 之后不应再失败；保险起见不推进版本
		return AppliedOp{}, err
	}

	entry := d.append(transformed, authorID, clientID, clientSeq)
	d.lastSeqByClient[clientID] = clientSeq
	s.maybeCompactLocked(docID, d)

	// 仍持有 d.mu：版本 n 的派发先于版本 n+1 入队
	if s.onApplied != nil {
		s.onApplied(docID, entry)
	}

	if s.events != nil {
		evt := NewDocOpEvent(docID, entry)
		if err := s.events.Enqueue(ctx, evt); err != nil {
			// 事件流不要求强一致，丢弃并记录即可
			log.Printf("drop op event doc=%s version=%d: %v", docID, entry.Version, err)
		}
	}
	return entry, nil
}

// maybeCompactLocked trims the log once it outgrows the retention window,
// never past the minimum acknowledged version of a connected participant.
func (s *Sequencer) maybeCompactLocked(docID string, d *document) {
	if len(d.log) <= s.logRetention {
		return
	}
	minAcked, ok := s.registry.MinAckedVersion(docID)
	if !ok {
		return
	}
	through := d.version - uint64(s.logRetention)
	if minAcked < through {
		through = minAcked
	}
	d.compact(through)
}

func (s *Sequencer) Resync(ctx context.Context, docID string, fromVersion uint64) (ResyncResult, error) {
	d, err := s.getOrColdStart(ctx, docID)
	if err != nil {
		return ResyncResult{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ops, err := d.opsSince(fromVersion, 0)
	if errors.Is(err, ErrStaleResync) {
		// 日志窗口已裁剪，退化为全量同步
		return ResyncResult{Full: true, Content: d.buf.String(), Version: d.version}, nil
	}
	if err != nil {
		return ResyncResult{}, err
	}
	return ResyncResult{Ops: ops, Version: d.version}, nil
}

func (s *Sequencer) UpdatePresence(ctx context.Context, docID string, userID uint64, cursor session.Cursor, sel *session.Selection) error {
	if !s.registry.UpdatePresence(docID, userID, cursor, sel) {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Sequencer) Heartbeat(ctx context.Context, docID string, userID uint64, ackedVersion uint64) error {
	if !s.registry.Heartbeat(docID, userID, ackedVersion) {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Sequencer) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	d := s.lookup(docID)
	if d == nil {
		return 0, ErrSessionNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version, nil
}

func (s *Sequencer) Content(ctx context.Context, docID string) (string, uint64, error) {
	d := s.lookup(docID)
	if d == nil {
		return "", 0, ErrSessionNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.String(), d.version, nil
}

func (s *Sequencer) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return errors.New("snapshot store not initialized")
	}
	d := s.lookup(docID)
	if d == nil {
		return ErrSessionNotFound
	}
	d.mu.Lock()
	content, version := d.buf.String(), d.version
	d.mu.Unlock()
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, version, content)
}

func (s *Sequencer) ActiveDocuments(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

// Drain persists and evicts a document whose session stayed empty through
// the grace window. Wired as the registry's OnEmpty callback. The snapshot
// write happens outside the document lock; eviction re-checks under the lock
// that nothing was accepted (and nobody rejoined) while the write ran,
// otherwise the in-memory state survives until the next drain.
func (s *Sequencer) Drain(docID string) {
	d := s.lookup(docID)
	if d == nil {
		return
	}
	d.mu.Lock()
	d.phase = phaseDraining
	content, version := d.buf.String(), d.version
	d.mu.Unlock()

	if s.snapshots != nil {
		if err := s.snapshots.SaveDocumentSnapshot(context.Background(), docID, version, content); err != nil {
			log.Printf("drain snapshot failed doc=%s version=%d: %v", docID, version, err)
			// 保留内存状态，等下一次 drain 或显式保存
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.docs[docID]
	if cur == nil {
		return
	}
	cur.mu.Lock()
	// 快照落盘期间接受了新操作，或有人重新加入（Join 置回 Active）：
	// 刚写的快照已经落后，不能回收
	keep := cur.version != version || cur.phase != phaseDraining
	if !keep {
		cur.phase = phaseIdle
	}
	cur.mu.Unlock()
	if keep {
		return
	}
	delete(s.docs, docID)
}

func (s *Sequencer) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	if s.documents == nil {
		return "", errors.New("document store not initialized")
	}
	return s.documents.CreateDocument(ctx, ownerID, title)
}

func (s *Sequencer) LookupDocument(ctx context.Context, title string) (string, error) {
	if s.documents == nil {
		return "", errors.New("document store not initialized")
	}
	return s.documents.GetDocumentID(ctx, title)
}
