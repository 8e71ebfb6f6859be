package symbolication

import (
	"github.com/klauspost/compress/zstd"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Maps are cached as zstd compressed JSON. Negative maps are a single byte.
var negativeEntry = []byte{0}

func encodeMap(m *SymbolMap) ([]byte, error) {
	if !m.Found {
		return negativeEntry, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(data, nil), nil
}

func decodeMap(b []byte) (*SymbolMap, error) {
	if len(b) == 1 && b[0] == 0 {
		return &SymbolMap{}, nil
	}
	data, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	var m SymbolMap
	if err = json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
