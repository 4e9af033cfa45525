package api

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/criyle/go-conmon/pkg/unixsocket"
	"github.com/pkg/errors"
)

// 64k buffsize, the max datagram accepted
const bufferSize = 64 << 10

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, bufferSize)
	},
}

// Socket sends and receives gob encoded messages, one per datagram. Every
// message uses its own encoder so datagrams decode independently.
// Send and receive may run concurrently, but neither is safe for concurrent
// use by itself.
type Socket struct {
	*unixsocket.Socket
}

// NewSocket wraps a connected unix socket
func NewSocket(s *unixsocket.Socket) *Socket {
	return &Socket{Socket: s}
}

// Dial connects to the monitor listening on path
func Dial(path string) (*Socket, error) {
	s, err := unixsocket.Dial(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", path)
	}
	return NewSocket(s), nil
}

// RecvMsg receives a datagram and decodes it into e
func (s *Socket) RecvMsg(e interface{}) (unixsocket.Msg, error) {
	buff := bufferPool.Get().([]byte)
	defer bufferPool.Put(buff)

	n, msg, err := s.Socket.RecvMsg(buff)
	if err != nil {
		return msg, errors.Wrap(err, "RecvMsg")
	}
	if err := gob.NewDecoder(bytes.NewReader(buff[:n])).Decode(e); err != nil {
		return msg, errors.Wrap(err, "RecvMsg: failed to decode")
	}
	return msg, nil
}

// SendMsg encodes e into a single datagram
func (s *Socket) SendMsg(e interface{}, msg unixsocket.Msg) error {
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)

	// use buf pool to reduce allocation
	buff := bytes.NewBuffer(buf[:0])
	if err := gob.NewEncoder(buff).Encode(e); err != nil {
		return errors.Wrap(err, "SendMsg: failed to encode")
	}
	if err := s.Socket.SendMsg(buff.Bytes(), msg); err != nil {
		return errors.Wrap(err, "SendMsg")
	}
	return nil
}
