package collab

// Buffer 抽象文档内容缓冲区接口。
// 位置和长度都以 rune 为单位，与 ot 包使用同一套偏移空间。
type Buffer interface {
	Len() int
	Insert(pos int, text string) error
	Delete(pos, length int) error
	String() string
}

/*
结构示例（piece table）

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空 (`""`)
- piece 表：

[ (orig, offset=0, length=11) ]  // 整个文档

在位置 5 插入 `" collaborative"`：
- 在 add buffer 末尾追加 `" collaborative"`
- piece 表从一条拆成三条：

[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]
*/
