package server

import (
	"async-network/connection"
	"async-network/message"
)

// Delegate receives server events, always on the server's event loop.
type Delegate interface {
	ServerStarted(s *Server)
	ServerStopped(s *Server)
	// ServerFailed reports a failure to listen or to advertise.
	ServerFailed(s *Server, err error)
	ConnectionAccepted(s *Server, c *connection.Connection)
	// ConnectionClosed fires once per accepted connection, with nil for an
	// orderly close.
	ConnectionClosed(s *Server, c *connection.Connection, err error)
	MessageReceived(s *Server, c *connection.Connection, msg *message.Message)
	MessageFailed(s *Server, c *connection.Connection, err error)
}

// DelegateFuncs adapts optional functions to Delegate; nil fields are ignored.
type DelegateFuncs struct {
	OnServerStarted      func(s *Server)
	OnServerStopped      func(s *Server)
	OnServerFailed       func(s *Server, err error)
	OnConnectionAccepted func(s *Server, c *connection.Connection)
	OnConnectionClosed   func(s *Server, c *connection.Connection, err error)
	OnMessageReceived    func(s *Server, c *connection.Connection, msg *message.Message)
	OnMessageFailed      func(s *Server, c *connection.Connection, err error)
}

func (d DelegateFuncs) ServerStarted(s *Server) {
	if d.OnServerStarted != nil {
		d.OnServerStarted(s)
	}
}

func (d DelegateFuncs) ServerStopped(s *Server) {
	if d.OnServerStopped != nil {
		d.OnServerStopped(s)
	}
}

func (d DelegateFuncs) ServerFailed(s *Server, err error) {
	if d.OnServerFailed != nil {
		d.OnServerFailed(s, err)
	}
}

func (d DelegateFuncs) ConnectionAccepted(s *Server, c *connection.Connection) {
	if d.OnConnectionAccepted != nil {
		d.OnConnectionAccepted(s, c)
	}
}

func (d DelegateFuncs) ConnectionClosed(s *Server, c *connection.Connection, err error) {
	if d.OnConnectionClosed != nil {
		d.OnConnectionClosed(s, c, err)
	}
}

func (d DelegateFuncs) MessageReceived(s *Server, c *connection.Connection, msg *message.Message) {
	if d.OnMessageReceived != nil {
		d.OnMessageReceived(s, c, msg)
	}
}

func (d DelegateFuncs) MessageFailed(s *Server, c *connection.Connection, err error) {
	if d.OnMessageFailed != nil {
		d.OnMessageFailed(s, c, err)
	}
}

// connDelegate routes the events of one accepted connection to the server.
type connDelegate struct {
	s *Server
}

func (d connDelegate) Connected(*connection.Connection)            {}
func (d connDelegate) ConnectFailed(*connection.Connection, error) {}

func (d connDelegate) Disconnected(c *connection.Connection, err error) {
	if _, ok := d.s.connections.LoadAndDelete(c.ID()); ok {
		d.s.delegate.ConnectionClosed(d.s, c, err)
	}
}

func (d connDelegate) MessageReceived(c *connection.Connection, msg *message.Message) {
	if err := d.s.handler(d.s.ctx, c, msg); err != nil {
		d.s.delegate.MessageFailed(d.s, c, err)
	}
}

func (d connDelegate) MessageFailed(c *connection.Connection, err error) {
	d.s.delegate.MessageFailed(d.s, c, err)
}
