// Package unixsocket provides wrapper for Linux SOCK_SEQPACKET unix sockets
// to send and recv datagrams together with passed file descriptors.
package unixsocket

import (
	"bytes"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// oob size default to page size
const oobSize = 4 << 10 // 4kb

// network is the go network name for SOCK_SEQPACKET unix socket
const network = "unixpacket"

// Socket wrappers a unix socket connection
type Socket struct {
	*net.UnixConn
	sendBuff []byte
	recvBuff []byte
}

// Msg is the oob msg with the message
type Msg struct {
	Fds  []int       // unix rights
	Cred *unix.Ucred // unix credential
}

// NewConn wraps an established unix connection
func NewConn(conn *net.UnixConn) *Socket {
	return &Socket{
		UnixConn: conn,
		sendBuff: make([]byte, oobSize),
		recvBuff: make([]byte, oobSize),
	}
}

// NewSocket creates Socket conn struct using existing unix socket fd
// creates by socketpair and mark it as close_on_exec (avoid fd leak)
// it need SOCK_SEQPACKET socket for reliable transfer
func NewSocket(fd int) (*Socket, error) {
	if fd < 0 {
		return nil, errors.Errorf("NewSocket: %d is not a valid fd", fd)
	}
	unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, errors.Errorf("NewSocket: %d is not a valid fd", fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, errors.Wrapf(err, "NewSocket: fd %d", fd)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("NewSocket: %d is not a valid unix socket connection", fd)
	}
	return NewConn(unixConn), nil
}

// NewSocketPair creates connected unix socketpair using SOCK_SEQPACKET
func NewSocketPair() (*Socket, *Socket, error) {
	fd, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "NewSocketPair: socketpair")
	}

	ins, err := NewSocket(fd[0])
	if err != nil {
		unix.Close(fd[0])
		unix.Close(fd[1])
		return nil, nil, errors.Wrap(err, "NewSocketPair: sender")
	}

	outs, err := NewSocket(fd[1])
	if err != nil {
		ins.Close()
		unix.Close(fd[1])
		return nil, nil, errors.Wrap(err, "NewSocketPair: receiver")
	}

	return ins, outs, nil
}

// Dial connects to the SOCK_SEQPACKET socket listening on path
func Dial(path string) (*Socket, error) {
	conn, err := net.DialUnix(network, nil, &net.UnixAddr{Name: path, Net: network})
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// Listener accepts SOCK_SEQPACKET connections on a filesystem path
type Listener struct {
	*net.UnixListener
}

// Listen creates a SOCK_SEQPACKET listener at path, the socket file is
// removed on Close
func Listen(path string) (*Listener, error) {
	l, err := net.ListenUnix(network, &net.UnixAddr{Name: path, Net: network})
	if err != nil {
		return nil, err
	}
	l.SetUnlinkOnClose(true)
	return &Listener{UnixListener: l}, nil
}

// AcceptSocket accepts a new connection, honoring the listener deadline
func (l *Listener) AcceptSocket() (*Socket, error) {
	conn, err := l.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// SetPassCred set sockopt for pass cred for unix socket
func (s *Socket) SetPassCred(option int) error {
	sysconn, err := s.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = sysconn.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, option)
	})
	if err != nil {
		return err
	}
	return serr
}

// SendMsg sendmsg to unix socket and encode possible unix right / credential
func (s *Socket) SendMsg(b []byte, m Msg) error {
	oob := bytes.NewBuffer(s.sendBuff[:0])
	if len(m.Fds) > 0 {
		oob.Write(unix.UnixRights(m.Fds...))
	}
	if m.Cred != nil {
		oob.Write(unix.UnixCredentials(m.Cred))
	}

	_, _, err := s.WriteMsgUnix(b, oob.Bytes(), nil)
	return err
}

// RecvMsg recvmsg from unix socket and parse possible unix right / credential
func (s *Socket) RecvMsg(b []byte) (int, Msg, error) {
	var msg Msg
	n, oobn, _, _, err := s.ReadMsgUnix(b, s.recvBuff)
	if err != nil {
		return 0, msg, err
	}
	// peer closed
	if n == 0 && oobn == 0 {
		return 0, msg, io.EOF
	}
	msgs, err := unix.ParseSocketControlMessage(s.recvBuff[:oobn])
	if err != nil {
		return 0, msg, err
	}
	msg, err = parseMsg(msgs)
	if err != nil {
		return 0, msg, err
	}
	return n, msg, nil
}

func parseMsg(msgs []unix.SocketControlMessage) (msg Msg, err error) {
	defer func() {
		if err != nil {
			for _, f := range msg.Fds {
				unix.Close(f)
			}
			msg.Fds = nil
		}
	}()
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET {
			continue
		}

		switch m.Header.Type {
		case unix.SCM_CREDENTIALS:
			cred, err := unix.ParseUnixCredentials(&m)
			if err != nil {
				return msg, err
			}
			msg.Cred = cred

		case unix.SCM_RIGHTS:
			fds, err := unix.ParseUnixRights(&m)
			if err != nil {
				return msg, err
			}
			msg.Fds = append(msg.Fds, fds...)
		}
	}
	return msg, nil
}
