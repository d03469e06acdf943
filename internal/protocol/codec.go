package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode produces deterministic (core) CBOR so identical payloads always
// serialize to identical bytes.
var encMode = mustEncMode()

var decMode = mustDecMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor enc mode: %v", err))
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor dec mode: %v", err))
	}
	return dm
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v, which must be a pointer.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}
	return nil
}
