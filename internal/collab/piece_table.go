package collab

import (
	"fmt"
	"strings"

	"collabcode/internal/ot"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	// 原始文本切片
	original []rune
	// 新增文本切片（只追加，piece 引用其中的区间）
	add []rune
	// 分片列表
	pieces []piece
	length int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Insert 在逻辑位置 pos 插入 text：追加到 add buffer，再把目标 piece 拆成
// 左 / 新 / 右 三段，其他 piece 不动。
func (pt *PieceTable) Insert(pos int, text string) error {
	if pos < 0 || pos > pt.length {
		return fmt.Errorf("%w: insert pos %d outside [0,%d]", ot.ErrInvalidOperation, pos, pt.length)
	}
	r := []rune(text)
	if len(r) == 0 {
		return nil
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		pt.length += len(r)
		return nil
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	pt.length += len(r)
	return nil
}

// Delete 从逻辑位置 pos 开始删除 length 个 rune，通过调整/合并 piece 完成。
func (pt *PieceTable) Delete(pos, length int) error {
	if length < 0 || pos < 0 || pos+length > pt.length {
		return fmt.Errorf("%w: delete [%d,%d) outside [0,%d]", ot.ErrInvalidOperation, pos, pos+length, pt.length)
	}
	if length == 0 {
		return nil
	}

	remain := length
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		// 这个 piece 里还剩多少可删
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 都删掉；idx 不动，现在指向删完后的下一个 piece
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			offset = 0
		} else {
			// 只删中间一段：拆成左 / 右两段
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
	}
	pt.length -= length
	return nil
}

// locate 根据逻辑位置 pos，找到对应的 piece 下标 idx 和该 piece 内的偏移。
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
