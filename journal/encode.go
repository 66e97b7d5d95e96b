package journal

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	encOnce sync.Once
	encoder cbor.EncMode
	encErr  error
)

// encMode returns the deterministic CBOR encoder shared by all records.
func encMode() (cbor.EncMode, error) {
	encOnce.Do(func() {
		encoder, encErr = cbor.CoreDetEncOptions().EncMode()
	})
	return encoder, encErr
}

func encodeEntry(entry *Entry) ([]byte, error) {
	em, err := encMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return em.Marshal(entry)
}

func decodeEntry(raw []byte) (*Entry, error) {
	entry := &Entry{}
	if err := cbor.Unmarshal(raw, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
