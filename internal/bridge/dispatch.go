package bridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Dispatcher routes inbound client messages to bridge operations and sends
// the responses back to the peer.
type Dispatcher struct {
	bridge *Bridge
	peer   Peer
	log    *logrus.Entry
}

// NewDispatcher creates a dispatcher for one session.
func NewDispatcher(b *Bridge, peer Peer, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{bridge: b, peer: peer, log: log}
}

// Handle processes one message. Command failures are answered on the peer
// and do not produce an error; the returned error means the session should
// end (the peer is gone or sent a close frame).
func (d *Dispatcher) Handle(msg Message) error {
	switch msg.Kind {
	case TextMessage:
		return d.command(string(msg.Data))
	case BinaryMessage:
		if err := d.bridge.Write(msg.Data); err != nil {
			return d.replyError(err)
		}
		return nil
	case PingMessage:
		d.peer.Touch()
		return d.peer.SendPong(msg.Data)
	case PongMessage:
		d.peer.Touch()
		return nil
	case CloseMessage:
		return ErrPeerClosed
	default:
		return nil
	}
}

func (d *Dispatcher) command(text string) error {
	fields := strings.Split(text, " ")
	cmd, args := fields[0], fields[1:]
	d.log.Debugf("command %s %v", cmd, args)

	switch cmd {
	case "STATUS":
		return d.replyStatus()
	case "CONNECT":
		port, baud, err := ParseConnectArgs(args)
		if err != nil {
			return d.replyError(err)
		}
		if err := d.bridge.Connect(port, baud); err != nil {
			return d.replyError(err)
		}
		return d.peer.SendText(StatusUp)
	case "DISCONNECT":
		d.bridge.Disconnect()
		return d.peer.SendText(StatusDown)
	case "LIST":
		return d.peer.SendText(listPrefix + strings.Join(d.bridge.ListPorts(), " "))
	default:
		return d.replyError(protocolError(ErrUnsupportedCommand))
	}
}

func (d *Dispatcher) replyStatus() error {
	if d.bridge.Connected() {
		return d.peer.SendText(StatusUp)
	}
	return d.peer.SendText(StatusDown)
}

func (d *Dispatcher) replyError(err error) error {
	d.log.Debugf("%s error: %v", KindOf(err), err)
	return d.peer.SendText(ErrorText(err))
}

// ParseConnectArgs extracts the port and optional baud rate from CONNECT
// arguments. A zero baud means "use the default". Arguments after the baud
// rate are ignored.
func ParseConnectArgs(args []string) (port string, baud int, err error) {
	if len(args) == 0 || args[0] == "" {
		return "", 0, argumentError(ErrPortRequired)
	}
	port = args[0]
	if len(args) < 2 {
		return port, 0, nil
	}

	raw := args[1]
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			err = numErr.Err
		}
		return "", 0, argumentError(fmt.Errorf("invalid baud rate %q: %w", raw, err))
	}
	if v == 0 {
		return "", 0, argumentError(fmt.Errorf("invalid baud rate %q: must be positive", raw))
	}
	return port, int(v), nil
}
