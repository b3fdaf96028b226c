package relay

import (
	"context"
	"crypto/tls"
	"go.uber.org/zap"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/secure"
	"strconv"
)

// Client is a peer that is connected to a room over TLS.
// It authenticates with the certificate of its KeyPair, which makes
// the room know it under the PeerID of that KeyPair.
type Client struct {
	*ClientProtocol
	key device.KeyPair
}

// Dial connects to the room at address.
// Tunnels are joined on the same host at the session port the room hands out.
func Dial(ctx context.Context, key device.KeyPair, address string, log *zap.SugaredLogger) (client *Client, err error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return
	}
	cert, err := key.Certificate()
	if err != nil {
		return
	}
	dialer := &tls.Dialer{Config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Rooms use self-signed certificates, their identity is checked by ID.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return
	}
	var d net.Dialer
	dial := func(ctx context.Context, port int) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	protocol := NewClientProtocol(conn, dial, log)
	err = protocol.Start(ctx)
	if err != nil {
		_ = conn.Close()
		return
	}
	client = &Client{
		ClientProtocol: protocol,
		key:            key,
	}
	return
}

// ID returns the identity this client is known under.
func (c *Client) ID() device.PeerID {
	return c.key.PeerID()
}

// ConnectSecure opens a tunnel to target and encrypts it end to end.
func (c *Client) ConnectSecure(ctx context.Context, target device.PeerID, params map[string]interface{}) (conn secure.Conn, err error) {
	identity, err := target.Identity()
	if err != nil {
		return
	}
	raw, err := c.Connect(ctx, target, params)
	if err != nil {
		return
	}
	err = withContext(ctx, raw, func() (e error) {
		conn, e = secure.Initiate(raw, c.key, identity)
		return
	})
	if err != nil {
		_ = raw.Close()
	}
	return
}

// AcceptSecure accepts the next tunnel of a peer that trust accepts and encrypts it end to end.
// Tunnels of other peers are closed.
func (c *Client) AcceptSecure(ctx context.Context, trust secure.Trust) (secure.Conn, *Invitation, error) {
	for {
		raw, inv, err := c.Accept(ctx)
		if err != nil {
			return nil, inv, err
		}
		identity, err := inv.Origin.Identity()
		if err != nil || (trust != nil && !trust.IsTrusted(identity)) {
			// Ignore requests of untrusted peers
			c.log.Infow("rejected tunnel", "origin", inv.Origin.Short())
			_ = raw.Close()
			continue
		}
		var conn secure.Conn
		err = withContext(ctx, raw, func() (e error) {
			conn, e = secure.Respond(raw, c.key, identity, trust)
			return
		})
		if err != nil {
			_ = raw.Close()
			return nil, inv, err
		}
		return conn, inv, nil
	}
}
