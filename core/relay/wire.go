// Package relay implements the volunteer relay service: in client mode it
// discovers and scores relays advertised in the DHT and tunnels an
// end-to-end session through one; in server mode it pairs two registered
// peers and forwards opaque frames between them under a per-peer rate
// limit, without ever seeing their plaintext.
package relay

import (
	"encoding/json"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// MsgType tags a relay wire message, framed inside the session between a
// relay client and a relay server.
type MsgType string

const (
	MsgRegister     MsgType = "RELAY_REGISTER"
	MsgSessionReady MsgType = "RELAY_SESSION_READY"
	MsgMessage      MsgType = "RELAY_MESSAGE"
	MsgError        MsgType = "RELAY_ERROR"
	MsgUnregister   MsgType = "RELAY_UNREGISTER"
)

type envelope struct {
	Type MsgType         `json:"type"`
	Body json.RawMessage `json:"body"`
}

type registerBody struct {
	Target identity.NodeId `json:"target"`
}

type messageBody struct {
	Opaque []byte `json:"opaque_payload"`
}

type errorBody struct {
	Kind errkind.Kind `json:"kind"`
}

func encodeEnvelope(t MsgType, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "encode relay body", err)
	}
	return json.Marshal(envelope{Type: t, Body: b})
}

func encodeRegister(target identity.NodeId) ([]byte, error) {
	return encodeEnvelope(MsgRegister, registerBody{Target: target})
}

func encodeSessionReady() ([]byte, error) {
	return encodeEnvelope(MsgSessionReady, struct{}{})
}

func encodeMessage(opaque []byte) ([]byte, error) {
	return encodeEnvelope(MsgMessage, messageBody{Opaque: opaque})
}

func encodeError(kind errkind.Kind) ([]byte, error) {
	return encodeEnvelope(MsgError, errorBody{Kind: kind})
}

func encodeUnregister() ([]byte, error) {
	return encodeEnvelope(MsgUnregister, struct{}{})
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, errkind.Wrap(errkind.CertificateInvalid, "decode relay envelope", err)
	}
	return e, nil
}
