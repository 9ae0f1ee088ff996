package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
)

// UDPNetwork implements Network over a real UDP socket. Each request blocks
// the caller on an rpc-id-keyed response channel, since UDP itself has no
// notion of a call/reply pairing.
type UDPNetwork struct {
	conn *net.UDPConn

	mu      sync.Mutex
	pending map[string]chan Message

	dht *DHT // set after construction via Attach, used to answer inbound requests
}

// NewUDPNetwork binds a UDP socket on the given port (0 = ephemeral) and
// starts the receive loop.
func NewUDPNetwork(port int) (*UDPNetwork, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errkind.Wrap(errkind.NetworkUnreachable, "bind dht udp socket", err)
	}
	n := &UDPNetwork{conn: conn, pending: make(map[string]chan Message)}
	go n.receiveLoop()
	return n, nil
}

// Attach wires the DHT instance this network answers inbound requests for.
func (n *UDPNetwork) Attach(d *DHT) { n.dht = d }

// LocalAddr returns the bound local address.
func (n *UDPNetwork) LocalAddr() *net.UDPAddr { return n.conn.LocalAddr().(*net.UDPAddr) }

func (n *UDPNetwork) receiveLoop() {
	buf := make([]byte, 65535)
	for {
		nBytes, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var m Message
		if err := json.Unmarshal(buf[:nBytes], &m); err != nil {
			continue
		}
		n.handleInbound(m, addr)
	}
}

func (n *UDPNetwork) handleInbound(m Message, addr *net.UDPAddr) {
	switch m.Type {
	case MsgPing:
		n.reply(addr, Message{Type: MsgPong, RPCID: m.RPCID})
	case MsgFindNode, MsgStore, MsgFindValue, MsgReflexProbe:
		if n.dht != nil {
			n.answer(m, addr)
		}
	default:
		n.mu.Lock()
		ch, ok := n.pending[m.RPCID]
		n.mu.Unlock()
		if ok {
			ch <- m
		}
	}
}

func (n *UDPNetwork) answer(m Message, addr *net.UDPAddr) {
	from := Contact{Endpoint: Endpoint{IP: addr.IP.String(), Port: addr.Port}}
	switch m.Type {
	case MsgFindNode:
		var body findNodeBody
		_ = json.Unmarshal(m.Body, &body)
		contacts := n.dht.HandleFindNode(from, body.Target)
		n.replyBody(addr, MsgNodes, m.RPCID, nodesBody{Contacts: contacts})
	case MsgStore:
		var body storeBody
		_ = json.Unmarshal(m.Body, &body)
		n.dht.HandleStore(from, body.Key, body.Value, body.Signature)
		n.reply(addr, Message{Type: MsgPong, RPCID: m.RPCID})
	case MsgFindValue:
		var body findValueBody
		_ = json.Unmarshal(m.Body, &body)
		value, found, closer := n.dht.HandleFindValue(from, body.Key)
		if found {
			n.replyBody(addr, MsgValue, m.RPCID, valueBody{Value: value, Found: true})
		} else {
			n.replyBody(addr, MsgNodes, m.RPCID, nodesBody{Contacts: closer})
		}
	case MsgReflexProbe:
		var body reflexProbeBody
		_ = json.Unmarshal(m.Body, &body)
		n.replyBody(addr, MsgReflexReply, m.RPCID, reflexReplyBody{
			ObservedIP: addr.IP.String(), ObservedPort: addr.Port, Token: body.Token,
		})
	}
}

func (n *UDPNetwork) reply(addr *net.UDPAddr, m Message) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	_, _ = n.conn.WriteToUDP(raw, addr)
}

func (n *UDPNetwork) replyBody(addr *net.UDPAddr, t MsgType, rpcID string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	n.reply(addr, Message{Type: t, RPCID: rpcID, Body: raw})
}

func (n *UDPNetwork) call(ctx context.Context, to Contact, m Message) (Message, error) {
	ch := make(chan Message, 1)
	n.mu.Lock()
	n.pending[m.RPCID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, m.RPCID)
		n.mu.Unlock()
	}()

	raw, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}
	addr := &net.UDPAddr{IP: net.ParseIP(to.Endpoint.IP), Port: to.Endpoint.Port}
	if _, err := n.conn.WriteToUDP(raw, addr); err != nil {
		return Message{}, errkind.Wrap(errkind.NetworkUnreachable, "send dht message", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Message{}, errkind.New(errkind.Timeout, "dht rpc timed out")
	}
}

// Ping implements Network.
func (n *UDPNetwork) Ping(ctx context.Context, to Contact) error {
	_, err := n.call(ctx, to, Message{Type: MsgPing, RPCID: uuid.NewString()})
	return err
}

// FindNode implements Network.
func (n *UDPNetwork) FindNode(ctx context.Context, to Contact, target Key) ([]Contact, error) {
	body, _ := json.Marshal(findNodeBody{Target: target})
	resp, err := n.call(ctx, to, Message{Type: MsgFindNode, RPCID: uuid.NewString(), Body: body})
	if err != nil {
		return nil, err
	}
	var nb nodesBody
	if err := json.Unmarshal(resp.Body, &nb); err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "decode NODES body", err)
	}
	return nb.Contacts, nil
}

// Store implements Network.
func (n *UDPNetwork) Store(ctx context.Context, to Contact, key Key, value, sig []byte) error {
	body, _ := json.Marshal(storeBody{Key: key, Value: value, Signature: sig})
	_, err := n.call(ctx, to, Message{Type: MsgStore, RPCID: uuid.NewString(), Body: body})
	return err
}

// FindValue implements Network.
func (n *UDPNetwork) FindValue(ctx context.Context, to Contact, key Key) ([]byte, bool, []Contact, error) {
	body, _ := json.Marshal(findValueBody{Key: key})
	resp, err := n.call(ctx, to, Message{Type: MsgFindValue, RPCID: uuid.NewString(), Body: body})
	if err != nil {
		return nil, false, nil, err
	}
	if resp.Type == MsgValue {
		var vb valueBody
		if err := json.Unmarshal(resp.Body, &vb); err != nil {
			return nil, false, nil, err
		}
		return vb.Value, vb.Found, nil, nil
	}
	var nb nodesBody
	if err := json.Unmarshal(resp.Body, &nb); err != nil {
		return nil, false, nil, err
	}
	return nil, false, nb.Contacts, nil
}

// ReflexProbe implements Network.
func (n *UDPNetwork) ReflexProbe(ctx context.Context, to Contact) (string, int, error) {
	token := uuid.NewString()
	body, _ := json.Marshal(reflexProbeBody{Token: token})
	resp, err := n.call(ctx, to, Message{Type: MsgReflexProbe, RPCID: uuid.NewString(), Body: body})
	if err != nil {
		return "", 0, err
	}
	var rb reflexReplyBody
	if err := json.Unmarshal(resp.Body, &rb); err != nil {
		return "", 0, err
	}
	if rb.Token != token {
		return "", 0, fmt.Errorf("reflex probe token mismatch")
	}
	return rb.ObservedIP, rb.ObservedPort, nil
}

// Close releases the socket.
func (n *UDPNetwork) Close() error { return n.conn.Close() }
