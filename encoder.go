package gearsync

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder is the wire codec. Everything that crosses the socket goes through
// one of these, so swapping the format touches a single seam.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder is the default codec. Outbound frames marshal through the
// standard library; the read path decodes with sonic because a session
// receives far more than it sends (deltas, fan-outs, sync snapshots).
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
