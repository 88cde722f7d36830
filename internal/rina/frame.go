// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"encoding/json"

	"grimm.is/rinasim/internal/errors"
)

// Header is the encapsulation header a higher-layer IPCP prepends so
// the lower layer can demultiplex the frame back upward.
type Header struct {
	FlowID string `json:"flow_id"`
	QoS    *QoS   `json:"qos,omitempty"`
}

// Frame is the wire unit exchanged between IPCPs. It is one of:
//
//   - a data frame: SeqNum + Data
//   - an ACK frame: IsAck + AckSeqNum (cumulative)
//   - an encapsulation envelope: Header + Payload (possibly nested)
type Frame struct {
	Header    *Header `json:"header,omitempty"`
	Payload   *Frame  `json:"payload,omitempty"`
	SeqNum    uint16  `json:"seq_num,omitempty"`
	IsAck     bool    `json:"is_ack,omitempty"`
	AckSeqNum uint16  `json:"ack_seq_num,omitempty"`
	Data      []byte  `json:"data,omitempty"`
}

// Encapsulated reports whether the frame is an envelope carrying an
// inner frame for a higher layer.
func (f *Frame) Encapsulated() bool {
	return f.Header != nil && f.Payload != nil
}

// Encapsulate wraps the frame in an envelope for the given flow.
func (f *Frame) Encapsulate(flowID string, qos *QoS) *Frame {
	return &Frame{
		Header:  &Header{FlowID: flowID, QoS: qos},
		Payload: f,
	}
}

// EncodeFrame serializes a frame for transmission over a link.
func EncodeFrame(f *Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "frame encode failed")
	}
	return raw, nil
}

// DecodeFrame parses a received frame. Anything that does not parse as
// a data, ACK, or envelope frame is malformed.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, errors.KindMalformed, "frame decode failed")
	}
	if f.Header != nil && f.Payload == nil {
		return nil, errors.New(errors.KindMalformed, "envelope without payload")
	}
	return &f, nil
}
