package job

import (
	"encoding/json"

	"github.com/askdata/conductor/errors"
)

// InputReply is the wire record for a human reply to a parked job. The front
// writes it to resume:<job_id>:<input_type> and publishes it on
// resume:<job_id>; the parked worker consumes whichever arrives first.
type InputReply struct {
	Type  string      `json:"input_type"`
	Value interface{} `json:"input_value"`
}

// EncodeInputReply marshals a reply for the broker
func EncodeInputReply(inputType string, value interface{}) []byte {
	b, _ := json.Marshal(InputReply{Type: inputType, Value: value})
	return b
}

// DecodeInputReply parses a reply payload
func DecodeInputReply(raw []byte) (InputReply, error) {
	var r InputReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return InputReply{}, errors.Wrap(err, "malformed input reply")
	}
	if r.Type == "" {
		return InputReply{}, errors.New("input reply missing input_type")
	}
	return r, nil
}
