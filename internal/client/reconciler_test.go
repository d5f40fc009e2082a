package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"collabcode/internal/collab"
	"collabcode/internal/ot"
	"collabcode/internal/session"
)

func entry(version uint64, authorID uint64, clientID string, clientSeq uint64, op ot.Operation) collab.AppliedOp {
	op.AuthorID = authorID
	return collab.AppliedOp{
		Version:   version,
		AuthorID:  authorID,
		ClientID:  clientID,
		ClientSeq: clientSeq,
		Op:        op,
		AppliedAt: time.Now(),
	}
}

func TestComposeThenAck(t *testing.T) {
	r := NewReconciler("d", 1, "cA", "ab", 0)

	op, err := r.ComposeInsert(1, "X")
	if err != nil {
		t.Fatalf("ComposeInsert error = %v", err)
	}
	if op.BaseVersion != 0 || op.ClientSeq != 1 || op.AuthorID != 1 {
		t.Fatalf("composed op = %+v", op)
	}
	// 乐观应用：不等服务端确认
	if r.Shadow() != "aXb" || r.PendingCount() != 1 {
		t.Fatalf("shadow=%q pending=%d", r.Shadow(), r.PendingCount())
	}

	r.OnAcknowledged(op.ClientSeq, 1)
	if r.PendingCount() != 0 || r.Version() != 1 {
		t.Fatalf("after ack: pending=%d version=%d", r.PendingCount(), r.Version())
	}
	if r.Shadow() != "aXb" {
		t.Fatalf("ack must not touch the shadow, got %q", r.Shadow())
	}
}

func TestComposeRollsBackOnInvalidEdit(t *testing.T) {
	r := NewReconciler("d", 1, "cA", "ab", 0)
	if _, err := r.ComposeInsert(9, "X"); err == nil {
		t.Fatal("out-of-range compose should fail")
	}
	op, err := r.ComposeInsert(0, "Y")
	if err != nil {
		t.Fatalf("ComposeInsert error = %v", err)
	}
	// 失败的 compose 不占用序号
	if op.ClientSeq != 1 {
		t.Fatalf("ClientSeq = %d, want 1", op.ClientSeq)
	}
}

// Remote delete arrives while a local insert is still pending; the client's
// shadow must end up identical to the server's document.
func TestRemoteOperationTransformsPending(t *testing.T) {
	r := NewReconciler("d", 1, "cA", "ab", 0)
	if _, err := r.ComposeInsert(1, "X"); err != nil {
		t.Fatalf("ComposeInsert error = %v", err)
	}

	// 服务端先收到了对方的删除：v1 = Del(0,1)，随后我们的插入被
	// transform 成 Ins(0,"X") 作为 v2 广播。
	if err := r.OnRemoteOperation(entry(1, 2, "cB", 1, ot.Operation{Kind: ot.KindDelete, Pos: 0, Len: 1})); err != nil {
		t.Fatalf("OnRemoteOperation error = %v", err)
	}
	if r.Shadow() != "Xb" || r.Version() != 1 || r.PendingCount() != 1 {
		t.Fatalf("shadow=%q version=%d pending=%d", r.Shadow(), r.Version(), r.PendingCount())
	}

	// 自己操作的广播等价于 ack
	if err := r.OnRemoteOperation(entry(2, 1, "cA", 1, ot.Operation{Kind: ot.KindInsert, Pos: 0, Text: "X"})); err != nil {
		t.Fatalf("OnRemoteOperation error = %v", err)
	}
	if r.Shadow() != "Xb" || r.Version() != 2 || r.PendingCount() != 0 {
		t.Fatalf("shadow=%q version=%d pending=%d", r.Shadow(), r.Version(), r.PendingCount())
	}
}

// A broadcast arriving ahead of its predecessor must not be applied against
// the stale shadow: the reconciler reports the gap and waits for a resync.
func TestRemoteVersionGapForcesResync(t *testing.T) {
	r := NewReconciler("d", 1, "cA", "ab", 0)

	// 服务端实际顺序：v1 = Del(0,1)，v2 = Ins(0,"X")，权威内容 "Xb"
	v1 := entry(1, 2, "cB", 1, ot.Operation{Kind: ot.KindDelete, Pos: 0, Len: 1})
	v2 := entry(2, 3, "cC", 1, ot.Operation{Kind: ot.KindInsert, Pos: 0, Text: "X"})

	// v2 先到：出现版本缺口，影子不能前进
	if err := r.OnRemoteOperation(v2); !errors.Is(err, ErrStaleShadow) {
		t.Fatalf("gap error = %v, want ErrStaleShadow", err)
	}
	if r.Shadow() != "ab" || r.Version() != 0 {
		t.Fatalf("gap must not mutate: shadow=%q version=%d", r.Shadow(), r.Version())
	}

	// resync 按序补齐整个区间后收敛
	if err := r.Resync([]collab.AppliedOp{v1, v2}); err != nil {
		t.Fatalf("Resync error = %v", err)
	}
	if r.Shadow() != "Xb" || r.Version() != 2 {
		t.Fatalf("shadow=%q version=%d, want %q/2", r.Shadow(), r.Version(), "Xb")
	}
}

func TestDuplicateBroadcastIgnored(t *testing.T) {
	r := NewReconciler("d", 1, "cA", "ab", 0)
	e := entry(1, 2, "cB", 1, ot.Operation{Kind: ot.KindInsert, Pos: 0, Text: "Z"})

	if err := r.OnRemoteOperation(e); err != nil {
		t.Fatalf("OnRemoteOperation error = %v", err)
	}
	if err := r.OnRemoteOperation(e); err != nil {
		t.Fatalf("replayed OnRemoteOperation error = %v", err)
	}
	if r.Shadow() != "Zab" || r.Version() != 1 {
		t.Fatalf("shadow=%q version=%d after duplicate", r.Shadow(), r.Version())
	}
}

// Reconnect scenario against the real sequencer: the client goes offline with
// two unacknowledged edits, three remote operations land meanwhile, and after
// an incremental resync plus retransmit both sides hold the same text.
func TestReconnectResyncConverges(t *testing.T) {
	ctx := context.Background()
	reg := session.NewRegistry(session.Options{Grace: time.Hour, IdleTimeout: time.Hour})
	svc := collab.NewSequencer(nil, nil, reg, nil, collab.SequencerOptions{})

	if _, err := svc.Join(ctx, "d", 2, "bob", "cB"); err != nil {
		t.Fatalf("Join error = %v", err)
	}
	if _, err := svc.Submit(ctx, "d", 2, "cB", 1, ot.Operation{Kind: ot.KindInsert, Pos: 0, Text: "hello", AuthorID: 2, BaseVersion: 0, ClientSeq: 1}); err != nil {
		t.Fatalf("seed Submit error = %v", err)
	}

	// 客户端在 v1/"hello" 加入后掉线，攒下两个本地编辑
	r := NewReconciler("d", 1, "cA", "hello", 1)
	if _, err := r.ComposeInsert(5, " world"); err != nil {
		t.Fatalf("ComposeInsert error = %v", err)
	}
	if _, err := r.ComposeDelete(0, 1); err != nil {
		t.Fatalf("ComposeDelete error = %v", err)
	}
	if r.Shadow() != "ello world" {
		t.Fatalf("offline shadow = %q", r.Shadow())
	}

	// 掉线期间对方继续编辑
	remote := []ot.Operation{
		{Kind: ot.KindInsert, Pos: 0, Text: "# "},
		{Kind: ot.KindInsert, Pos: 7, Text: "!"},
		{Kind: ot.KindDelete, Pos: 0, Len: 2},
	}
	for i, op := range remote {
		base, err := svc.CurrentVersion(ctx, "d")
		if err != nil {
			t.Fatalf("CurrentVersion error = %v", err)
		}
		op.AuthorID = 2
		op.BaseVersion = base
		op.ClientSeq = uint64(i + 2)
		if _, err := svc.Submit(ctx, "d", 2, "cB", op.ClientSeq, op); err != nil {
			t.Fatalf("remote Submit#%d error = %v", i, err)
		}
	}

	// 重连：增量 resync 补齐错过的操作
	res, err := svc.Resync(ctx, "d", r.Version())
	if err != nil || res.Full {
		t.Fatalf("Resync = %+v, %v", res, err)
	}
	if len(res.Ops) != 3 {
		t.Fatalf("missed ops = %d, want 3", len(res.Ops))
	}
	if err := r.Resync(res.Ops); err != nil {
		t.Fatalf("reconciler Resync error = %v", err)
	}

	// 重发未确认的本地操作
	for _, op := range r.PendingForRetransmit() {
		applied, err := svc.Submit(ctx, "d", 1, "cA", op.ClientSeq, op)
		if err != nil {
			t.Fatalf("retransmit Submit error = %v", err)
		}
		r.OnAcknowledged(applied.ClientSeq, applied.Version)
	}

	content, version, err := svc.Content(ctx, "d")
	if err != nil {
		t.Fatalf("Content error = %v", err)
	}
	if r.Shadow() != content {
		t.Fatalf("diverged after reconnect: client=%q server=%q", r.Shadow(), content)
	}
	if r.PendingCount() != 0 || r.Version() != version {
		t.Fatalf("pending=%d version=%d serverVersion=%d", r.PendingCount(), r.Version(), version)
	}
	if content != "ello world!" {
		t.Fatalf("converged content = %q, want %q", content, "ello world!")
	}
}

func TestFullResyncReplaysFittingPending(t *testing.T) {
	r := NewReconciler("d", 1, "cA", "abc", 0)
	if _, err := r.ComposeInsert(1, "Z"); err != nil {
		t.Fatalf("ComposeInsert error = %v", err)
	}

	ops := r.FullResync("ab", 5)
	if len(ops) != 1 || ops[0].BaseVersion != 5 {
		t.Fatalf("replayed ops = %+v", ops)
	}
	if r.Shadow() != "aZb" || r.Version() != 5 {
		t.Fatalf("shadow=%q version=%d", r.Shadow(), r.Version())
	}
}

func TestFullResyncDropsUnfittablePending(t *testing.T) {
	r := NewReconciler("d", 1, "cA", "abcdef", 0)
	if _, err := r.ComposeInsert(6, "!"); err != nil {
		t.Fatalf("ComposeInsert error = %v", err)
	}

	// 新基线比挂起编辑的坐标短，该编辑只能放弃
	ops := r.FullResync("x", 9)
	if len(ops) != 0 || r.PendingCount() != 0 {
		t.Fatalf("ops=%d pending=%d, want both 0", len(ops), r.PendingCount())
	}
	if r.Shadow() != "x" || r.Version() != 9 {
		t.Fatalf("shadow=%q version=%d", r.Shadow(), r.Version())
	}
}
