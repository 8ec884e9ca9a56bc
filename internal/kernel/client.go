package kernel

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// Channel names a request socket.
type Channel int

const (
	Shell Channel = iota
	Control
)

func (c Channel) String() string {
	switch c {
	case Shell:
		return "shell"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// Client speaks the Jupyter messaging protocol to one kernel over ZeroMQ.
// Replies and broadcast messages are delivered on channels fed by one
// reader goroutine per socket; the channels close when the client closes.
type Client struct {
	Session  string
	Username string

	signer  signer
	shell   zmq4.Socket
	control zmq4.Socket
	iopub   zmq4.Socket

	shellMsgs   chan *Message
	controlMsgs chan *Message
	iopubMsgs   chan *Message

	sendMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *log.Logger
}

// Dial connects the shell, control and iopub sockets described by info.
// Dialing is retried until ctx expires, since the kernel binds its ports
// some time after the process starts.
func Dial(ctx context.Context, info *ConnectionInfo, logger *log.Logger) (*Client, error) {
	sig, err := info.signer()
	if err != nil {
		return nil, err
	}

	sockCtx, cancel := context.WithCancel(context.Background())
	session := uuid.New().String()
	c := &Client{
		Session:     session,
		Username:    currentUser(),
		signer:      sig,
		shell:       zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(session))),
		control:     zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(session+"-control"))),
		iopub:       zmq4.NewSub(sockCtx),
		shellMsgs:   make(chan *Message, 64),
		controlMsgs: make(chan *Message, 8),
		iopubMsgs:   make(chan *Message, 256),
		ctx:         sockCtx,
		cancel:      cancel,
		logger:      logger,
	}

	dials := []struct {
		sock zmq4.Socket
		port int
		name string
	}{
		{c.shell, info.ShellPort, "shell"},
		{c.control, info.ControlPort, "control"},
		{c.iopub, info.IOPubPort, "iopub"},
	}
	for _, d := range dials {
		if err := dialRetry(ctx, d.sock, info.Endpoint(d.port)); err != nil {
			c.Close()
			return nil, fmt.Errorf("connecting %s channel: %w", d.name, err)
		}
	}
	if err := c.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribing to iopub: %w", err)
	}

	c.wg.Add(3)
	go c.readLoop(c.shell, c.shellMsgs, "shell")
	go c.readLoop(c.control, c.controlMsgs, "control")
	go c.readLoop(c.iopub, c.iopubMsgs, "iopub")
	return c, nil
}

func dialRetry(ctx context.Context, sock zmq4.Socket, endpoint string) error {
	for {
		err := sock.Dial(endpoint)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dialing %s: %w", endpoint, errors.Join(err, ctx.Err()))
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "nbrun"
}

// ShellMessages delivers replies received on the shell channel.
func (c *Client) ShellMessages() <-chan *Message { return c.shellMsgs }

// IOPubMessages delivers broadcast messages (outputs and status).
func (c *Client) IOPubMessages() <-chan *Message { return c.iopubMsgs }

// Send signs and sends a request on ch and returns its msg_id.
func (c *Client) Send(ch Channel, msgType string, content any) (string, error) {
	msg, err := NewMessage(c.Session, c.Username, msgType, content)
	if err != nil {
		return "", err
	}
	frames, err := c.signer.encode(msg)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", msgType, err)
	}

	var sock zmq4.Socket
	switch ch {
	case Shell:
		sock = c.shell
	case Control:
		sock = c.control
	default:
		return "", fmt.Errorf("cannot send on %s channel", ch)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return "", fmt.Errorf("sending %s on %s: %w", msgType, ch, err)
	}
	return msg.Header.MsgID, nil
}

func (c *Client) readLoop(sock zmq4.Socket, out chan<- *Message, name string) {
	defer c.wg.Done()
	defer close(out)
	for {
		raw, err := sock.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("kernel socket receive failed", "channel", name, "err", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		msg, err := c.signer.decode(raw.Frames)
		if err != nil {
			c.logger.Warn("dropping kernel message", "channel", name, "err", err)
			continue
		}
		select {
		case out <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// Close closes all sockets and waits for the reader goroutines to exit.
func (c *Client) Close() error {
	var errs []error
	c.once.Do(func() {
		c.cancel()
		for _, s := range []zmq4.Socket{c.shell, c.control, c.iopub} {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.wg.Wait()
	})
	return errors.Join(errs...)
}
