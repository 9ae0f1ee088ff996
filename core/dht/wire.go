package dht

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
)

// MsgType tags a DHT wire message carried in a JSON body. UDPNetwork sends
// each message as one JSON datagram with no length prefix; EncodeMessage
// and ReadMessage below provide a 32-bit big-endian length-prefixed form of
// the same body, which UDPNetwork does not use.
type MsgType string

const (
	MsgPing        MsgType = "PING"
	MsgPong        MsgType = "PONG"
	MsgFindNode    MsgType = "FIND_NODE"
	MsgNodes       MsgType = "NODES"
	MsgStore       MsgType = "STORE"
	MsgFindValue   MsgType = "FIND_VALUE"
	MsgValue       MsgType = "VALUE"
	MsgReflexProbe MsgType = "REFLEX_PROBE"
	MsgReflexReply MsgType = "REFLEX_REPLY"
)

// Message is the envelope for every DHT wire exchange.
type Message struct {
	Type  MsgType         `json:"type"`
	RPCID string          `json:"rpc_id"`
	Body  json.RawMessage `json:"body"`
}

type findNodeBody struct {
	Target Key `json:"target"`
}

type nodesBody struct {
	Contacts []Contact `json:"contacts"`
}

type storeBody struct {
	Key       Key    `json:"key"`
	Value     []byte `json:"value"`
	Signature []byte `json:"signature"`
}

type findValueBody struct {
	Key Key `json:"key"`
}

type valueBody struct {
	Value []byte `json:"value"`
	Found bool   `json:"found"`
}

type reflexProbeBody struct {
	Token string `json:"token"`
}

type reflexReplyBody struct {
	ObservedIP   string `json:"observed_ip"`
	ObservedPort int    `json:"observed_port"`
	Token        string `json:"token"`
}

// EncodeMessage length-prefixes a JSON-encoded message: 32-bit big-endian
// length followed by the body, matching the framing used by the session
// transport (§4.7) so the same read loop idiom applies everywhere.
func EncodeMessage(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "encode dht message", err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// ReadMessage reads one length-prefixed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > 1<<20 {
		return Message{}, fmt.Errorf("dht message too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, errkind.Wrap(errkind.CertificateInvalid, "decode dht message", err)
	}
	return m, nil
}
