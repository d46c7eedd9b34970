package keys

type hasher interface {
	WriteString(value string) error
	WriteBytes(value []byte) error
}

// NewLocateKeyHasher returns a hasher for a partition lookup identified by
// its key order and probe key. Lookups of the same key under the same order
// hash identically; the order is folded in first so equal keys under
// different orders stay distinct.
func NewLocateKeyHasher(keyOrder string, key []byte) *locateKeyHasher {
	return &locateKeyHasher{keyOrder: keyOrder, key: key}
}

type locateKeyHasher struct {
	keyOrder string
	key      []byte
}

func (l *locateKeyHasher) Append(h hasher) error {
	if err := h.WriteString(l.keyOrder); err != nil {
		return err
	}

	// separator to avoid overlap between the order and key segments
	if err := h.WriteString("/"); err != nil {
		return err
	}

	return h.WriteBytes(l.key)
}
