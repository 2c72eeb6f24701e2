package collective

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

const codecName = "gob"

// gobCodec carries the group messages over gRPC. float64 values round-trip
// bit for bit, which replicas rely on to stay identical.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrapf(err, "collective: encode %T", v)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.Wrapf(err, "collective: decode %T", v)
	}
	return nil
}

func (gobCodec) Name() string {
	return codecName
}
