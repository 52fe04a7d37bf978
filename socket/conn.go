// Package socket implements encrypted length-prefixed TCP sessions between
// riddle nodes. Every frame after the handshake is AES-256-CBC sealed under a
// session key agreed via ECDH of the two long-term keys.
package socket

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/riddlenet/riddle/consensus/messages"
	"github.com/riddlenet/riddle/crypto"
)

const DefaultMaxFrameSize = 16 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds the configured size cap")
	ErrPeerIdle      = errors.New("no frame received within twice the keep alive interval")
	ErrSlowConsumer  = errors.New("peer cannot drain its outbound queue")
	ErrClosed        = errors.New("connection is closed")
)

const outboundBuffer = 1024

type TokenAddr struct {
	Token crypto.Token
	Addr  string
}

// Inbound is a decrypted frame delivered to the orchestrator.
type Inbound struct {
	Token crypto.Token
	Data  []byte
}

// Closed reports a session teardown and its cause.
type Closed struct {
	Token crypto.Token
	Err   error
}

// Config carries the session parameters shared by every connection of a node.
type Config struct {
	Credentials crypto.PrivateKey
	KeepAlive   time.Duration
	MaxFrame    int
	Proxy       string
}

func (cfg Config) maxFrame() int {
	if cfg.MaxFrame > 0 {
		return cfg.MaxFrame
	}
	return DefaultMaxFrameSize
}

// CipherConnection is one live session. The reader goroutine delivers frames
// in transmission order; the writer goroutine drains the outbound queue and
// keeps the session alive while idle.
type CipherConnection struct {
	Token crypto.Token
	Hello *messages.Hello

	conn      net.Conn
	cipher    crypto.Cipher
	keepAlive time.Duration
	maxFrame  int
	outbound  chan []byte
	closed    chan struct{}
	once      sync.Once
}

func writeFrame(conn net.Conn, cipher crypto.Cipher, data []byte) error {
	sealed := cipher.Seal(data)
	frame := make([]byte, 4+len(sealed))
	binary.LittleEndian.PutUint32(frame, uint32(len(sealed)))
	copy(frame[4:], sealed)
	_, err := conn.Write(frame)
	return err
}

func readFrame(conn net.Conn, cipher crypto.Cipher, maxFrame int) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header)
	if int(length) > maxFrame {
		return nil, ErrFrameTooLarge
	}
	sealed := make([]byte, length)
	if _, err := io.ReadFull(conn, sealed); err != nil {
		return nil, err
	}
	return cipher.Open(sealed)
}

// Send enqueues a frame. A peer that cannot drain its queue is torn down as
// a slow consumer rather than stalling the caller.
func (c *CipherConnection) Send(msg []byte) {
	select {
	case <-c.closed:
	case c.outbound <- msg:
	default:
		slog.Warn("socket: outbound queue full, closing connection", "peer", c.Token)
		c.Shutdown()
	}
}

// Listen starts the reader and writer goroutines. Decrypted frames go to
// incoming; exactly one Closed is sent when the session dies. KeepAlive
// frames refresh the idle clock and are not delivered. done releases both
// goroutines once the consumer is gone.
func (c *CipherConnection) Listen(incoming chan<- Inbound, closed chan<- Closed, done <-chan struct{}) {
	go func() {
		var cause error
		for {
			if c.keepAlive > 0 {
				c.conn.SetReadDeadline(time.Now().Add(2 * c.keepAlive))
			}
			data, err := readFrame(c.conn, c.cipher, c.maxFrame)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					cause = ErrPeerIdle
				} else {
					cause = err
				}
				break
			}
			if len(data) == 1 && data[0] == messages.MsgKeepAlive {
				continue
			}
			select {
			case incoming <- Inbound{Token: c.Token, Data: data}:
			case <-done:
				c.Shutdown()
				return
			}
		}
		c.Shutdown()
		select {
		case closed <- Closed{Token: c.Token, Err: cause}:
		case <-done:
		}
	}()

	go func() {
		interval := c.keepAlive
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.closed:
				return
			case msg := <-c.outbound:
				if err := writeFrame(c.conn, c.cipher, msg); err != nil {
					slog.Info("socket: could not write frame", "peer", c.Token, "error", err)
					c.Shutdown()
					return
				}
			case <-ticker.C:
				if err := writeFrame(c.conn, c.cipher, messages.KeepAliveMessage()); err != nil {
					c.Shutdown()
					return
				}
			}
		}
	}()
}

func (c *CipherConnection) Shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
