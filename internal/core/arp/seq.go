package arp

// 过滤器序号使用 uint32 串行数算术（RFC 1982 风格）。
// 0 是无效哨兵，递增时跳过。

// InvalidSeq 无效序号
const InvalidSeq uint32 = 0

// NextSeq 返回下一个有效序号
func NextSeq(seq uint32) uint32 {
	seq++
	if seq == InvalidSeq {
		seq++
	}
	return seq
}

// SeqNewer a 是否比 b 新
//
// 无效序号比任何有效序号都旧。
func SeqNewer(a, b uint32) bool {
	if a == InvalidSeq {
		return false
	}
	if b == InvalidSeq {
		return true
	}
	return int32(a-b) > 0
}
