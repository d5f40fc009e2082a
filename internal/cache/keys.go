package cache

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  房间内 userId→username 映射（Hash）
// - cursorKey(...):   参与者光标/选区 JSON，带 TTL
// - docsKey():        文档索引集合（Set<docID>）

const (
	keyRoomFmt   = "presence:room:{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{docID:%s}" // Hash<userId -> username>
	keyCursorFmt = "presence:cursor:%s:%d"          // String<presence payload JSON>
	keyDocsSet   = "presence:docs"                  // Set<docID>
)

func roomKey(docID string) string                  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string                 { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID string, userID uint64) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func docsKey() string                              { return keyDocsSet }
