package sharding

import (
	"fmt"
	"hash"
	"hash/crc64"
	"hash/fnv"
	"io"
	"strings"
	"sync"
)

// Strategy assigns a partition key to a pod index in [0, podCount).
type Strategy interface {
	AssignShard(key string, podCount int) int
	Name() string
}

// Modulo hashes the key with FNV-1a and takes the remainder.
// Cheap, but most keys move when podCount changes.
type Modulo struct{}

func (Modulo) Name() string { return "modulo" }

func (Modulo) AssignShard(key string, podCount int) int {
	if podCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(podCount))
}

var crcTable = crc64.MakeTable(crc64.ECMA)

// JumpHash is Lamping & Veach jump consistent hashing over a CRC-64 key digest.
// Only ~1/N of keys move when the pod count changes by one.
type JumpHash struct {
	pool sync.Pool
}

func NewJumpHash() *JumpHash {
	return &JumpHash{pool: sync.Pool{New: func() any { return crc64.New(crcTable) }}}
}

func (*JumpHash) Name() string { return "jump" }

func (jh *JumpHash) AssignShard(key string, podCount int) int {
	if podCount <= 1 {
		return 0
	}
	h := jh.pool.Get().(hash.Hash64)
	h.Reset()
	_, _ = io.WriteString(h, key)
	sum := h.Sum64()
	jh.pool.Put(h)
	return int(jump(sum, int64(podCount)))
}

func jump(sum uint64, buckets int64) int64 {
	var b int64 = -1
	var j int64
	for j < buckets {
		b = j
		sum = sum*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((sum>>33)+1)))
	}
	return b
}

// StrategyByName resolves a configured strategy.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "jump", "jump-consistent-hash":
		return NewJumpHash(), nil
	case "modulo", "mod":
		return Modulo{}, nil
	default:
		return nil, fmt.Errorf("sharding: unknown strategy %q", name)
	}
}
