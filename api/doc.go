// Package api defines the wire protocol between the monitor and its
// clients.
//
// # Overview
//
// Clients connect to the monitor SOCK_SEQPACKET unix socket. Every datagram
// carries exactly one gob encoded Request or Response. Requests are tagged
// with a client chosen ID, the monitor may serve several requests of one
// connection concurrently and replies carry the same ID, possibly out of
// order.
//
// # Methods
//
// ## version
//
// - send: Request{Method: "version"}
// - reply: Response{Version}
//
// ## create_container
//
// - send: Request{Method: "create_container", CreateContainer}
// - reply (success): Response{CreateContainer{ContainerPID}}
// - reply (failed): Response{Error}
//
// When a terminal is requested, the reply is not sent until a terminal client
// connected to the console socket of the container.
package api
