package connection

import "async-network/message"

// Delegate receives the events of one Connection. Every method is called on
// the connection's event loop.
type Delegate interface {
	// Connected fires once the transport is established.
	Connected(c *Connection)
	// ConnectFailed fires when resolving or connecting fails or times out.
	ConnectFailed(c *Connection, err error)
	// Disconnected fires when an established connection ends. err is nil for
	// Cancel and for a peer that closed the stream between frames.
	Disconnected(c *Connection, err error)
	// MessageReceived delivers a frame that matched no pending callback.
	MessageReceived(c *Connection, msg *message.Message)
	// MessageFailed reports a frame that could not be decoded, or a failed
	// write that had no callback to report to. The connection stays open.
	MessageFailed(c *Connection, err error)
}

// DelegateFuncs adapts optional functions to Delegate; nil fields are ignored.
type DelegateFuncs struct {
	OnConnected       func(c *Connection)
	OnConnectFailed   func(c *Connection, err error)
	OnDisconnected    func(c *Connection, err error)
	OnMessageReceived func(c *Connection, msg *message.Message)
	OnMessageFailed   func(c *Connection, err error)
}

func (d DelegateFuncs) Connected(c *Connection) {
	if d.OnConnected != nil {
		d.OnConnected(c)
	}
}

func (d DelegateFuncs) ConnectFailed(c *Connection, err error) {
	if d.OnConnectFailed != nil {
		d.OnConnectFailed(c, err)
	}
}

func (d DelegateFuncs) Disconnected(c *Connection, err error) {
	if d.OnDisconnected != nil {
		d.OnDisconnected(c, err)
	}
}

func (d DelegateFuncs) MessageReceived(c *Connection, msg *message.Message) {
	if d.OnMessageReceived != nil {
		d.OnMessageReceived(c, msg)
	}
}

func (d DelegateFuncs) MessageFailed(c *Connection, err error) {
	if d.OnMessageFailed != nil {
		d.OnMessageFailed(c, err)
	}
}
