package socket

import (
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/riddlenet/riddle/consensus/messages"
	"github.com/riddlenet/riddle/crypto"
)

var errCouldNotVerify = errors.New("could not verify remote identity")

const handshakeTimeout = 10 * time.Second

// The handshake is symmetric. Each side writes its 33-byte token in the
// clear, then a Hello frame sealed under sha256(ECDH(own secret, remote
// token)). Reading the remote token first lets both ends derive the same
// session key before any protocol byte is exchanged in cleartext. A dialer
// that already knows the remote token rejects a session that presents a
// different one.

func exchangeTokens(conn net.Conn, own crypto.Token) (crypto.Token, error) {
	if _, err := conn.Write(own[:]); err != nil {
		return crypto.ZeroToken, err
	}
	var remote crypto.Token
	if _, err := io.ReadFull(conn, remote[:]); err != nil {
		return crypto.ZeroToken, err
	}
	return remote, nil
}

func performHandshake(conn net.Conn, cfg Config, hello *messages.Hello, expected crypto.Token) (*CipherConnection, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	remote, err := exchangeTokens(conn, hello.Token)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !expected.Equal(crypto.ZeroToken) && !remote.Equal(expected) {
		conn.Close()
		return nil, errCouldNotVerify
	}
	key, err := crypto.SharedSecret(cfg.Credentials, remote)
	if err != nil {
		conn.Close()
		return nil, err
	}
	cipher := crypto.CipherFromKey(key[:])

	if err := writeFrame(conn, cipher, hello.Serialize()); err != nil {
		conn.Close()
		return nil, err
	}
	frame, err := readFrame(conn, cipher, cfg.maxFrame())
	if err != nil {
		conn.Close()
		return nil, err
	}
	remoteHello, err := messages.ParseHello(frame)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !remoteHello.Token.Equal(remote) {
		conn.Close()
		return nil, errCouldNotVerify
	}

	conn.SetDeadline(time.Time{})
	return &CipherConnection{
		Token:     remote,
		Hello:     remoteHello,
		conn:      conn,
		cipher:    cipher,
		keepAlive: cfg.KeepAlive,
		maxFrame:  cfg.maxFrame(),
		outbound:  make(chan []byte, outboundBuffer),
		closed:    make(chan struct{}),
	}, nil
}

// Dial connects to addr, through the configured Socks5 proxy when set, and
// performs the handshake. expected may be the zero token on bootstrap
// connects where the remote identity is not yet known.
func Dial(cfg Config, addr string, hello *messages.Hello, expected crypto.Token) (*CipherConnection, error) {
	var conn net.Conn
	var err error
	if cfg.Proxy != "" {
		dialer, proxyErr := proxy.SOCKS5("tcp", cfg.Proxy, nil, proxy.Direct)
		if proxyErr != nil {
			return nil, proxyErr
		}
		conn, err = dialer.Dial("tcp", addr)
	} else {
		conn, err = net.DialTimeout("tcp", addr, handshakeTimeout)
	}
	if err != nil {
		return nil, err
	}
	return performHandshake(conn, cfg, hello, expected)
}

// Promote upgrades an accepted transport connection to a cipher session.
func Promote(cfg Config, conn net.Conn, hello *messages.Hello) (*CipherConnection, error) {
	return performHandshake(conn, cfg, hello, crypto.ZeroToken)
}
