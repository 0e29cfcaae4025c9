package trie

// ValueManager lets a Trie[V] store arbitrary Go values without knowing
// their wire representation. Serialize/Deserialize round-trip a V to/from
// the bytes the trie persists at a terminal node's value address;
// SizeInSlot lets the trie's heap allocator size that block up front
// without a throwaway serialize-just-to-measure pass.
type ValueManager[V any] interface {
	Serialize(v V) ([]byte, error)
	Deserialize(data []byte) (V, error)
	SizeInSlot(v V) (uint32, error)
}

// BytesValueManager is the ValueManager for the common case of storing raw
// []byte values directly, with no further encoding.
type BytesValueManager struct{}

func (BytesValueManager) Serialize(v []byte) ([]byte, error) { return v, nil }

func (BytesValueManager) Deserialize(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (BytesValueManager) SizeInSlot(v []byte) (uint32, error) { return uint32(len(v)), nil }
