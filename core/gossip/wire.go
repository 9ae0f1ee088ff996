package gossip

import (
	"encoding/json"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// MsgType tags a gossip envelope sent inside an already-framed session.
type MsgType string

const (
	MsgGossipMessage  MsgType = "GOSSIP_MESSAGE"
	MsgGossipSyncClock MsgType = "GOSSIP_SYNC_CLOCK"
	MsgGossipRequest  MsgType = "GOSSIP_REQUEST"
)

// envelope is the outer frame every gossip wire exchange uses; the session
// transport already length-prefixes, so this is plain JSON.
type envelope struct {
	Type MsgType         `json:"type"`
	Body json.RawMessage `json:"body"`
}

type syncClockBody struct {
	Clock map[identity.NodeId]uint64 `json:"clock"`
}

type requestBody struct {
	IDs []string `json:"ids"`
}

func encodeEnvelope(t MsgType, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "encode gossip body", err)
	}
	return json.Marshal(envelope{Type: t, Body: b})
}

func encodeMessage(m Message) ([]byte, error) {
	return encodeEnvelope(MsgGossipMessage, m)
}

func encodeSyncClock(clock map[identity.NodeId]uint64) ([]byte, error) {
	return encodeEnvelope(MsgGossipSyncClock, syncClockBody{Clock: clock})
}

func encodeRequest(ids []string) ([]byte, error) {
	return encodeEnvelope(MsgGossipRequest, requestBody{IDs: ids})
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, errkind.Wrap(errkind.CertificateInvalid, "decode gossip envelope", err)
	}
	return e, nil
}
