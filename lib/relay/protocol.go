package relay

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/protocol"
	"projekt/room/lib/tunnel"
)

// SessionKeySize is the byte size of a session key.
const SessionKeySize = 16

var (
	ErrAlreadyConnected  = errors.New("relay: this identity is already connected to the room")
	ErrUnknownMethod     = errors.New("relay: unknown method")
	ErrNotPermitted      = errors.New("relay: method not permitted")
	ErrDuplicateCall     = errors.New("relay: call id is already in use")
	ErrTargetUnavailable = errors.New("relay: the target is not available anymore")
	ErrTunnelTimeout     = errors.New("relay: the target did not join the tunnel in time")
	ErrSessionKeyInvalid = errors.New("relay: the session key is invalid")
	ErrClosed            = net.ErrClosed
)

// errorCodes carries well-known errors across the wire.
var errorCodes = map[string]error{
	"already_connected":  ErrAlreadyConnected,
	"unknown_method":     ErrUnknownMethod,
	"not_permitted":      ErrNotPermitted,
	"duplicate_call":     ErrDuplicateCall,
	"target_unavailable": ErrTargetUnavailable,
	"timeout":            ErrTunnelTimeout,
	"invalid_key":        ErrSessionKeyInvalid,
	"missing_options":    tunnel.ErrMissingOptions,
	"unknown_target":     tunnel.ErrUnknownTarget,
}

// RemoteError is an error that the room reported.
// It unwraps to the matching sentinel error of this package or of package tunnel.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return errorCodes[e.Code]
}

func errorMessage(id uint32, err error) *protocol.Message {
	m := &protocol.Message{
		Type:  protocol.TypeError,
		ID:    id,
		Error: err.Error(),
	}
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			m.Value = code
			break
		}
	}
	return m
}

func remoteError(m *protocol.Message) error {
	code, _ := m.Value.(string)
	return &RemoteError{Code: code, Message: m.Error}
}

func newSessionKey() (string, error) {
	key := make([]byte, SessionKeySize)
	_, err := rand.Read(key)
	if err != nil {
		return "", fmt.Errorf("failed to create new session key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func encodeEndpoints(endpoints []directory.Endpoint) []interface{} {
	list := make([]interface{}, 0, len(endpoints))
	for _, e := range endpoints {
		item := map[string]interface{}{
			"id":      string(e.ID),
			"address": e.Address,
		}
		if e.Name != "" {
			item["name"] = e.Name
		}
		list = append(list, item)
	}
	return list
}

func decodeEndpoints(value interface{}) ([]directory.Endpoint, error) {
	list, ok := value.([]interface{})
	if !ok && value != nil {
		return nil, fmt.Errorf("%w: endpoints must be a list", protocol.ErrMalformed)
	}
	endpoints := make([]directory.Endpoint, 0, len(list))
	for _, raw := range list {
		item, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: endpoint must be an object", protocol.ErrMalformed)
		}
		id, _ := item["id"].(string)
		address, _ := item["address"].(string)
		name, _ := item["name"].(string)
		endpoints = append(endpoints, directory.Endpoint{
			ID:      device.PeerID(id),
			Address: address,
			Name:    name,
		})
	}
	return endpoints, nil
}

func encodeInvitation(inv *Invitation) map[string]interface{} {
	args := map[string]interface{}{
		"key":    inv.Key,
		"port":   inv.Port,
		"origin": string(inv.Origin),
		"target": string(inv.Target),
	}
	if inv.Params != nil {
		args["params"] = inv.Params
	}
	return args
}

func decodeInvitation(m *protocol.Message) (*Invitation, error) {
	port, _ := m.Args["port"].(float64)
	inv := &Invitation{
		Key:    m.Arg("key"),
		Port:   int(port),
		Origin: device.PeerID(m.Arg("origin")),
		Target: device.PeerID(m.Arg("target")),
	}
	inv.Params, _ = m.Args["params"].(map[string]interface{})
	if inv.Key == "" || inv.Port <= 0 || inv.Origin == "" {
		return nil, fmt.Errorf("%w: incomplete invitation", protocol.ErrMalformed)
	}
	return inv, nil
}
