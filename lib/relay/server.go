package relay

import (
	"crypto/tls"
	"errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"net"
	"projekt/room/lib/device"
	"time"
)

// Server accepts peers on a TLS control port and tunnel connections on a plain session port.
// Tunnel contents are end to end encrypted by the peers, see package secure.
type Server struct {
	cert     tls.Certificate
	protocol *ServerProtocol
	log      *zap.SugaredLogger

	address         string
	sessionAddress  string
	maxConns        int
	listener        net.Listener
	sessionListener net.Listener
}

// NewServer creates a Server for protocol.
// A positive maxConns limits the number of simultaneous connections per port.
func NewServer(cert tls.Certificate, protocol *ServerProtocol, address, sessionAddress string, maxConns int, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		cert:           cert,
		protocol:       protocol,
		log:            log,
		address:        address,
		sessionAddress: sessionAddress,
		maxConns:       maxConns,
	}
}

func (s *Server) Listen() (err error) {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return
	}
	sessionListener, err := net.Listen("tcp", s.sessionAddress)
	if err != nil {
		_ = listener.Close()
		return
	}
	if s.maxConns > 0 {
		listener = netutil.LimitListener(listener, s.maxConns)
		sessionListener = netutil.LimitListener(sessionListener, s.maxConns)
	}
	s.listener = tls.NewListener(listener, &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
	})
	s.sessionListener = sessionListener
	s.protocol.setSessionPort(sessionListener.Addr().(*net.TCPAddr).Port)
	err = s.protocol.Start()
	if err != nil {
		_ = s.Close()
		return
	}
	s.log.Infow("listening", "address", s.listener.Addr().String(), "session_address", sessionListener.Addr().String())
	go s.handler()
	go s.sessionHandler()
	return
}

// Addr returns the address of the control listener.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SessionAddr returns the address of the session listener.
func (s *Server) SessionAddr() net.Addr {
	return s.sessionListener.Addr()
}

func (s *Server) handler() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Errorw("failed to accept connection", "error", err)
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	var err error
	defer func() {
		if err != nil {
			s.log.Infow("connection canceled", "remote", conn.RemoteAddr().String(), "error", err)
			_ = conn.Close()
		}
	}()
	tlsConn := conn.(*tls.Conn)
	// A client that stalls the handshake must not hold a connection slot forever.
	err = tlsConn.SetDeadline(time.Now().Add(s.protocol.timeout))
	if err != nil {
		return
	}
	err = tlsConn.Handshake()
	if err != nil {
		return
	}
	err = tlsConn.SetDeadline(time.Time{})
	if err != nil {
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) != 1 {
		err = errors.New("expected exactly one client certificate")
		return
	}
	identity, err := device.IdentityFromCertificate(state.PeerCertificates[0])
	if err != nil {
		return
	}
	s.protocol.AddClient(identity.PeerID(), tlsConn)
}

func (s *Server) sessionHandler() {
	for {
		conn, err := s.sessionListener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Errorw("failed to accept session connection", "error", err)
			}
			return
		}
		s.protocol.AddSessionClient(conn)
	}
}

// Close stops both listeners and disconnects every client.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	if s.sessionListener != nil {
		err = multierr.Append(err, s.sessionListener.Close())
	}
	return multierr.Append(err, s.protocol.Close())
}
