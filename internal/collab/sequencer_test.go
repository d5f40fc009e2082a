package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"collabcode/internal/ot"
	"collabcode/internal/session"
)

// fakeSnapshotStore 内存快照存储，测试冷启动与落盘。
type fakeSnapshotStore struct {
	mu    sync.Mutex
	saved map[string]struct {
		version uint64
		content string
	}
	loadErr error
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{saved: make(map[string]struct {
		version uint64
		content string
	})}
}

func (f *fakeSnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[docID] = struct {
		version uint64
		content string
	}{version, content}
	return nil
}

func (f *fakeSnapshotStore) LoadLatestSnapshot(ctx context.Context, docID string) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return "", 0, f.loadErr
	}
	s, ok := f.saved[docID]
	if !ok {
		return "", 0, sql.ErrNoRows
	}
	return s.content, s.version, nil
}

func newTestSequencer(t *testing.T, snaps SnapshotStore, retention int) (*Sequencer, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(session.Options{Grace: time.Hour, IdleTimeout: time.Hour})
	svc := NewSequencer(snaps, nil, reg, nil, SequencerOptions{LogRetention: retention})
	reg.SetOnEmpty(svc.Drain)
	return svc, reg
}

func mustJoin(t *testing.T, svc *Sequencer, docID string, userID uint64) JoinResult {
	t.Helper()
	res, err := svc.Join(context.Background(), docID, userID, fmt.Sprintf("u%d", userID), fmt.Sprintf("c%d", userID))
	if err != nil {
		t.Fatalf("Join(user=%d) error = %v", userID, err)
	}
	return res
}

func insertOp(author uint64, base uint64, seq uint64, pos int, text string) ot.Operation {
	return ot.Operation{Kind: ot.KindInsert, Pos: pos, Text: text, AuthorID: author, BaseVersion: base, ClientSeq: seq}
}

func deleteOp(author uint64, base uint64, seq uint64, pos, length int) ot.Operation {
	return ot.Operation{Kind: ot.KindDelete, Pos: pos, Len: length, AuthorID: author, BaseVersion: base, ClientSeq: seq}
}

// "ab" at version 0; client 1 inserts "X" at 1, client 2
// concurrently deletes one rune at 0, both based on version 0. Sequencer
// takes client 1 first, transforms client 2's delete, ends at "Xb".
func TestSubmitTransformsConcurrentOps(t *testing.T) {
	ctx := context.Background()
	snaps := newFakeSnapshotStore()
	_ = snaps.SaveDocumentSnapshot(ctx, "d1", 0, "ab")
	svc, _ := newTestSequencer(t, snaps, 0)
	mustJoin(t, svc, "d1", 1)
	mustJoin(t, svc, "d1", 2)

	e1, err := svc.Submit(ctx, "d1", 1, "c1", 1, insertOp(1, 0, 1, 1, "X"))
	if err != nil {
		t.Fatalf("Submit#1 error = %v", err)
	}
	if e1.Version != 1 {
		t.Fatalf("first version = %d, want 1", e1.Version)
	}
	content, _, _ := svc.Content(ctx, "d1")
	if content != "aXb" {
		t.Fatalf("after insert content = %q, want %q", content, "aXb")
	}

	e2, err := svc.Submit(ctx, "d1", 2, "c2", 1, deleteOp(2, 0, 1, 0, 1))
	if err != nil {
		t.Fatalf("Submit#2 error = %v", err)
	}
	if e2.Version != 2 {
		t.Fatalf("second version = %d, want 2", e2.Version)
	}
	// 广播的是 transform 后的操作
	if e2.Op.Kind != ot.KindDelete || e2.Op.Pos != 0 || e2.Op.Len != 1 {
		t.Fatalf("transformed op = %+v", e2.Op)
	}
	content, version, _ := svc.Content(ctx, "d1")
	if content != "Xb" || version != 2 {
		t.Fatalf("content=%q version=%d, want %q/2", content, version, "Xb")
	}
}

// Convergence: both arrival orders of the same concurrent pair produce the
// same document.
func TestSubmitArrivalOrderConvergence(t *testing.T) {
	ctx := context.Background()
	a := insertOp(1, 0, 1, 1, "X")
	b := deleteOp(2, 0, 1, 0, 1)

	run := func(first, second ot.Operation, firstAuthor, secondAuthor uint64, firstClient, secondClient string) string {
		snaps := newFakeSnapshotStore()
		_ = snaps.SaveDocumentSnapshot(ctx, "d", 0, "ab")
		svc, _ := newTestSequencer(t, snaps, 0)
		mustJoin(t, svc, "d", 1)
		mustJoin(t, svc, "d", 2)
		if _, err := svc.Submit(ctx, "d", firstAuthor, firstClient, 1, first); err != nil {
			t.Fatalf("Submit error = %v", err)
		}
		if _, err := svc.Submit(ctx, "d", secondAuthor, secondClient, 1, second); err != nil {
			t.Fatalf("Submit error = %v", err)
		}
		content, _, _ := svc.Content(ctx, "d")
		return content
	}

	left := run(a, b, 1, 2, "c1", "c2")
	right := run(b, a, 2, 1, "c2", "c1")
	if left != right {
		t.Fatalf("arrival orders diverged: %q vs %q", left, right)
	}
	if left != "Xb" {
		t.Fatalf("converged to %q, want %q", left, "Xb")
	}
}

// Idempotent replay: applying the full log in order to the content at the
// log floor reproduces the current content.
func TestLogReplayReproducesContent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSequencer(t, nil, 0)
	mustJoin(t, svc, "d", 1)
	mustJoin(t, svc, "d", 2)

	// 两个客户端交错提交，部分基于过期版本，强制走 transform 路径
	submits := []struct {
		author uint64
		client string
		op     ot.Operation
	}{
		{1, "c1", insertOp(1, 0, 1, 0, "hello ")},
		{2, "c2", insertOp(2, 0, 1, 0, "world")},
		{1, "c1", insertOp(1, 1, 2, 6, "big ")},
		{2, "c2", deleteOp(2, 2, 2, 0, 5)},
		{1, "c1", insertOp(1, 3, 3, 0, "# ")},
	}
	for i, s := range submits {
		if _, err := svc.Submit(ctx, "d", s.author, s.client, s.op.ClientSeq, s.op); err != nil {
			t.Fatalf("Submit#%d error = %v", i, err)
		}
	}

	content, version, err := svc.Content(ctx, "d")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if version != uint64(len(submits)) {
		t.Fatalf("version = %d, want %d", version, len(submits))
	}

	res, err := svc.Resync(ctx, "d", 0)
	if err != nil || res.Full {
		t.Fatalf("Resync() = %+v, %v", res, err)
	}
	replayed := ""
	for _, entry := range res.Ops {
		if replayed, err = entry.Op.Apply(replayed); err != nil {
			t.Fatalf("replay version %d error = %v", entry.Version, err)
		}
	}
	if replayed != content {
		t.Fatalf("replay = %q, authoritative = %q", replayed, content)
	}
}

func TestSubmitRejectsDuplicateClientSeq(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSequencer(t, nil, 0)
	mustJoin(t, svc, "d", 1)

	if _, err := svc.Submit(ctx, "d", 1, "c1", 2, insertOp(1, 0, 2, 0, "a")); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	if _, err := svc.Submit(ctx, "d", 1, "c1", 2, insertOp(1, 1, 2, 0, "b")); !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("duplicate seq error = %v, want ErrDuplicateOrOutOfOrder", err)
	}
	if _, err := svc.Submit(ctx, "d", 1, "c1", 1, insertOp(1, 1, 1, 0, "b")); !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("out-of-order seq error = %v, want ErrDuplicateOrOutOfOrder", err)
	}
}

func TestSubmitRejectsBadBaseAndRange(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSequencer(t, nil, 0)
	mustJoin(t, svc, "d", 1)

	if _, err := svc.Submit(ctx, "d", 1, "c1", 1, insertOp(1, 7, 1, 0, "a")); !errors.Is(err, ErrRevisionAhead) {
		t.Fatalf("future base error = %v, want ErrRevisionAhead", err)
	}
	if _, err := svc.Submit(ctx, "d", 1, "c1", 1, insertOp(1, 0, 1, 5, "a")); !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("out-of-range error = %v, want ot.ErrInvalidOperation", err)
	}
	// 拒绝的操作不推进版本
	if v, _ := svc.CurrentVersion(ctx, "d"); v != 0 {
		t.Fatalf("version = %d after rejected ops, want 0", v)
	}
}

func TestResyncIncrementalThenStale(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestSequencer(t, nil, 2)
	mustJoin(t, svc, "d", 1)

	for seq := uint64(1); seq <= 6; seq++ {
		base, _ := svc.CurrentVersion(ctx, "d")
		if _, err := svc.Submit(ctx, "d", 1, "c1", seq, insertOp(1, base, seq, 0, "x")); err != nil {
			t.Fatalf("Submit#%d error = %v", seq, err)
		}
		// 客户端确认到最新版本，允许压缩推进
		if !reg.Heartbeat("d", 1, seq) {
			t.Fatal("Heartbeat failed")
		}
	}

	// 最近的窗口还在
	res, err := svc.Resync(ctx, "d", 5)
	if err != nil || res.Full {
		t.Fatalf("recent Resync = %+v, %v", res, err)
	}
	if len(res.Ops) != 1 || res.Ops[0].Version != 6 {
		t.Fatalf("recent ops = %+v", res.Ops)
	}

	// 从 0 追已经不可能：日志被压缩，退化为全量
	res, err = svc.Resync(ctx, "d", 0)
	if err != nil {
		t.Fatalf("stale Resync error = %v", err)
	}
	if !res.Full || res.Content != "xxxxxx" || res.Version != 6 {
		t.Fatalf("stale Resync = %+v, want full content", res)
	}

	// 落后于水位的提交同样要求先 resync
	if _, err := svc.Submit(ctx, "d", 2, "c2", 1, insertOp(2, 0, 1, 0, "y")); !errors.Is(err, ErrStaleResync) {
		t.Fatalf("stale base Submit error = %v, want ErrStaleResync", err)
	}
}

func TestCompactionRespectsSlowestParticipant(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestSequencer(t, nil, 2)
	mustJoin(t, svc, "d", 1)
	mustJoin(t, svc, "d", 2) // 从不确认任何版本的慢参与者

	for seq := uint64(1); seq <= 6; seq++ {
		base, _ := svc.CurrentVersion(ctx, "d")
		if _, err := svc.Submit(ctx, "d", 1, "c1", seq, insertOp(1, base, seq, 0, "x")); err != nil {
			t.Fatalf("Submit#%d error = %v", seq, err)
		}
		reg.Heartbeat("d", 1, seq)
	}

	// user 2 ack 停在 0：从 0 起步的增量 resync 必须仍然可行
	res, err := svc.Resync(ctx, "d", 0)
	if err != nil {
		t.Fatalf("Resync error = %v", err)
	}
	if res.Full {
		t.Fatal("log was compacted past the slowest participant")
	}
	if len(res.Ops) != 6 {
		t.Fatalf("ops = %d, want 6", len(res.Ops))
	}
}

func TestColdStartFromSnapshot(t *testing.T) {
	ctx := context.Background()
	snaps := newFakeSnapshotStore()
	_ = snaps.SaveDocumentSnapshot(ctx, "d", 42, "package main\n")
	svc, _ := newTestSequencer(t, snaps, 0)

	res := mustJoin(t, svc, "d", 1)
	if res.Content != "package main\n" || res.Version != 42 {
		t.Fatalf("cold start = %q/%d", res.Content, res.Version)
	}

	// 版本从快照版本继续增长，不复用
	entry, err := svc.Submit(ctx, "d", 1, "c1", 1, insertOp(1, 42, 1, 0, "// x\n"))
	if err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	if entry.Version != 43 {
		t.Fatalf("version = %d, want 43", entry.Version)
	}
}

func TestColdStartFailureIsSurfaced(t *testing.T) {
	snaps := newFakeSnapshotStore()
	snaps.loadErr = errors.New("connection refused")
	svc, _ := newTestSequencer(t, snaps, 0)
	if _, err := svc.Join(context.Background(), "d", 1, "u1", "c1"); err == nil {
		t.Fatal("Join should fail when the snapshot store is unreadable")
	}
}

func TestDrainSavesSnapshotAndEvicts(t *testing.T) {
	ctx := context.Background()
	snaps := newFakeSnapshotStore()
	svc, _ := newTestSequencer(t, snaps, 0)
	mustJoin(t, svc, "d", 1)
	if _, err := svc.Submit(ctx, "d", 1, "c1", 1, insertOp(1, 0, 1, 0, "abc")); err != nil {
		t.Fatalf("Submit error = %v", err)
	}

	svc.Drain("d")

	snaps.mu.Lock()
	saved := snaps.saved["d"]
	snaps.mu.Unlock()
	if saved.content != "abc" || saved.version != 1 {
		t.Fatalf("drained snapshot = %q/%d", saved.content, saved.version)
	}
	if _, err := svc.CurrentVersion(ctx, "d"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("document still resident after drain: %v", err)
	}

	// 编辑历史通过快照延续：冷启动回到 drain 时的内容
	res := mustJoin(t, svc, "d", 1)
	if res.Content != "abc" || res.Version != 1 {
		t.Fatalf("restart = %q/%d", res.Content, res.Version)
	}
}

// The fan-out hook fires inside the document lock, so even with concurrent
// submitters every delivery observes versions in stamp order.
func TestAppliedHookRunsInVersionOrder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSequencer(t, nil, 0)
	mustJoin(t, svc, "d", 1)
	mustJoin(t, svc, "d", 2)

	// 钩子在文档锁内执行，同一文档天然串行，无需额外加锁
	var seen []uint64
	svc.SetOnApplied(func(docID string, entry AppliedOp) {
		seen = append(seen, entry.Version)
	})

	var wg sync.WaitGroup
	for _, w := range []struct {
		author uint64
		client string
	}{{1, "c1"}, {2, "c2"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 30; seq++ {
				base, _ := svc.CurrentVersion(ctx, "d")
				if _, err := svc.Submit(ctx, "d", w.author, w.client, seq, insertOp(w.author, base, seq, 0, "x")); err != nil {
					t.Errorf("Submit author=%d error = %v", w.author, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != 60 {
		t.Fatalf("hook fired %d times, want 60", len(seen))
	}
	for i, v := range seen {
		if v != uint64(i+1) {
			t.Fatalf("hook saw version %d at index %d, want %d", v, i, i+1)
		}
	}
}

// gatedSnapshotStore 第一次 Save 时停在写入中，直到测试放行。
type gatedSnapshotStore struct {
	*fakeSnapshotStore
	gateMu  sync.Mutex
	gate    bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content string) error {
	g.gateMu.Lock()
	gated := g.gate
	g.gate = false
	g.gateMu.Unlock()
	if gated {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.fakeSnapshotStore.SaveDocumentSnapshot(ctx, docID, version, content)
}

// An operation accepted while the drain snapshot is being written must not
// be lost: eviction is skipped and the state survives to the next drain.
func TestDrainKeepsOpsAcceptedDuringSnapshot(t *testing.T) {
	ctx := context.Background()
	snaps := &gatedSnapshotStore{
		fakeSnapshotStore: newFakeSnapshotStore(),
		gate:              true,
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	svc, _ := newTestSequencer(t, snaps, 0)
	mustJoin(t, svc, "d", 1)
	if _, err := svc.Submit(ctx, "d", 1, "c1", 1, insertOp(1, 0, 1, 0, "a")); err != nil {
		t.Fatalf("Submit error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		svc.Drain("d")
		close(done)
	}()
	<-snaps.entered

	// 快照落盘期间又有一条操作被接受并确认
	if _, err := svc.Submit(ctx, "d", 1, "c1", 2, insertOp(1, 1, 2, 1, "b")); err != nil {
		t.Fatalf("Submit during drain error = %v", err)
	}
	close(snaps.release)
	<-done

	// 版本前进了：本轮不能回收，内存状态保留
	if v, err := svc.CurrentVersion(ctx, "d"); err != nil || v != 2 {
		t.Fatalf("document evicted with an acked op in flight: v=%d err=%v", v, err)
	}

	// 静默后的下一轮 drain 落盘最新内容并回收
	svc.Drain("d")
	if _, err := svc.CurrentVersion(ctx, "d"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second drain should evict, got %v", err)
	}
	res := mustJoin(t, svc, "d", 1)
	if res.Content != "ab" || res.Version != 2 {
		t.Fatalf("restart = %q/%d, want %q/2", res.Content, res.Version, "ab")
	}
}

func TestDocumentsAreIndependent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSequencer(t, nil, 0)
	mustJoin(t, svc, "a", 1)
	mustJoin(t, svc, "b", 1)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		docID := []string{"a", "b"}[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 50; seq++ {
				base, _ := svc.CurrentVersion(ctx, docID)
				if _, err := svc.Submit(ctx, docID, 1, "c-"+docID, seq, insertOp(1, base, seq, 0, docID)); err != nil {
					t.Errorf("Submit doc=%s error = %v", docID, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, docID := range []string{"a", "b"} {
		content, version, err := svc.Content(ctx, docID)
		if err != nil || version != 50 || len([]rune(content)) != 50 {
			t.Fatalf("doc %s: content len=%d version=%d err=%v", docID, len([]rune(content)), version, err)
		}
	}
}
