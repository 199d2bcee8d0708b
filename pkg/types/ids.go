// Package types 定义传输层的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"bytes"
	"crypto/rand"
	"errors"

	"github.com/mr-tron/base58"
)

// IDLength DID / SID 的字节长度
const IDLength = 16

// ============================================================================
//                              DID - 设备标识
// ============================================================================

// DID 设备唯一标识符
//
// 外部表示格式：
//   - String(): Base58 编码
//   - ShortString(): Base58 前缀（日志简短标识）
type DID [IDLength]byte

// EmptyDID 空设备 ID
var EmptyDID DID

// ErrInvalidDID 无效的设备 ID
var ErrInvalidDID = errors.New("invalid device ID")

// String 返回 DID 的 Base58 字符串表示
func (id DID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 DID 的短字符串表示（前 8 个字符）
func (id DID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes 返回 DID 的字节切片
func (id DID) Bytes() []byte {
	return id[:]
}

// IsEmpty 检查 DID 是否为空
func (id DID) IsEmpty() bool {
	return id == EmptyDID
}

// Compare 按字节序比较两个 DID
func (id DID) Compare(other DID) int {
	return bytes.Compare(id[:], other[:])
}

// DIDFromBytes 从字节切片创建 DID
func DIDFromBytes(b []byte) (DID, error) {
	if len(b) != IDLength {
		return EmptyDID, ErrInvalidDID
	}
	var id DID
	copy(id[:], b)
	return id, nil
}

// ParseDID 从 Base58 字符串解析 DID
func ParseDID(s string) (DID, error) {
	if s == "" {
		return EmptyDID, ErrInvalidDID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyDID, ErrInvalidDID
	}
	return DIDFromBytes(b)
}

// RandomDID 生成随机 DID（测试和首次启动使用）
func RandomDID() DID {
	var id DID
	if _, err := rand.Read(id[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return id
}

// ============================================================================
//                              SID - 存储标识
// ============================================================================

// SID 数据存储（同步命名空间）标识符
type SID [IDLength]byte

// EmptySID 空存储 ID
var EmptySID SID

// ErrInvalidSID 无效的存储 ID
var ErrInvalidSID = errors.New("invalid store ID")

// String 返回 SID 的 Base58 字符串表示
func (id SID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 SID 的短字符串表示
func (id SID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes 返回 SID 的字节切片
func (id SID) Bytes() []byte {
	return id[:]
}

// IsEmpty 检查 SID 是否为空
func (id SID) IsEmpty() bool {
	return id == EmptySID
}

// Compare 按字节序比较两个 SID
func (id SID) Compare(other SID) int {
	return bytes.Compare(id[:], other[:])
}

// Prefix 返回 SID 的前 n 个字节（hub 模式的前缀索引使用）
func (id SID) Prefix(n int) []byte {
	if n > IDLength {
		n = IDLength
	}
	p := make([]byte, n)
	copy(p, id[:n])
	return p
}

// SIDFromBytes 从字节切片创建 SID
func SIDFromBytes(b []byte) (SID, error) {
	if len(b) != IDLength {
		return EmptySID, ErrInvalidSID
	}
	var id SID
	copy(id[:], b)
	return id, nil
}

// ParseSID 从 Base58 字符串解析 SID
func ParseSID(s string) (SID, error) {
	if s == "" {
		return EmptySID, ErrInvalidSID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptySID, ErrInvalidSID
	}
	return SIDFromBytes(b)
}

// RandomSID 生成随机 SID
func RandomSID() SID {
	var id SID
	if _, err := rand.Read(id[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return id
}

// ============================================================================
//                              StreamID - 流标识
// ============================================================================

// StreamID 流唯一标识符（在发送方设备内唯一）
type StreamID uint64
