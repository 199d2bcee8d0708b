package stores

import (
	"github.com/spaolacci/murmur3"

	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// 默认布隆过滤器参数
const (
	DefaultBloomBits   = 1024
	DefaultBloomHashes = 4
)

// Bloom SID 布隆过滤器
//
// 使用 murmur3 128 位哈希的两半做双重哈希：idx_i = h1 + i*h2 (mod m)。
type Bloom struct {
	bits []byte
	k    uint32
}

// NewBloom 创建 mBits 位、k 个哈希的空过滤器
//
// mBits 向上取整到 8 的倍数。
func NewBloom(mBits, k int) *Bloom {
	if mBits <= 0 {
		mBits = DefaultBloomBits
	}
	if k <= 0 {
		k = DefaultBloomHashes
	}
	k = min(k, wire.MaxFilterHashes)
	return &Bloom{bits: make([]byte, (mBits+7)/8), k: uint32(k)}
}

// BloomFromBytes 由远端通告恢复过滤器
//
// 哈希个数限制在 wire.MaxFilterHashes 以内。
func BloomFromBytes(b []byte, k uint32) *Bloom {
	if k == 0 {
		k = DefaultBloomHashes
	}
	k = min(k, wire.MaxFilterHashes)
	return &Bloom{bits: append([]byte(nil), b...), k: k}
}

// Bits 过滤器位数
func (b *Bloom) Bits() uint32 { return uint32(len(b.bits)) * 8 }

// Hashes 哈希函数个数
func (b *Bloom) Hashes() uint32 { return b.k }

// Indices 计算 SID 对应的位下标
func (b *Bloom) Indices(sid types.SID) []uint32 {
	return indices(sid, b.Bits(), b.k)
}

func indices(sid types.SID, m, k uint32) []uint32 {
	if m == 0 {
		return nil
	}
	h1, h2 := murmur3.Sum128(sid[:])
	out := make([]uint32, k)
	for i := uint32(0); i < k; i++ {
		out[i] = uint32((h1 + uint64(i)*h2) % uint64(m))
	}
	return out
}

// Set 置位
func (b *Bloom) Set(idx []uint32) {
	for _, i := range idx {
		b.bits[i/8] |= 1 << (i % 8)
	}
}

// Add 加入 SID
func (b *Bloom) Add(sid types.SID) {
	b.Set(b.Indices(sid))
}

// MayContain SID 是否可能在集合中
func (b *Bloom) MayContain(sid types.SID) bool {
	if len(b.bits) == 0 {
		return false
	}
	for _, i := range b.Indices(sid) {
		if b.bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes 返回过滤器字节副本
func (b *Bloom) Bytes() []byte {
	return append([]byte(nil), b.bits...)
}

// Reset 清空
func (b *Bloom) Reset() {
	clear(b.bits)
}
