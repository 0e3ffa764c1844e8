// Package message defines the message value exchanged between connections.
//
// A Message is what one frame carries once its body has been decoded by the
// codec layer: the opcode, the correlation tag and the decoded value.
package message

import "fmt"

// Message is one decoded frame.
//
//   - BlockTag == 0: unsolicited message, no response expected.
//   - BlockTag != 0: the sender waits for a response carrying the same tag.
type Message struct {
	Command  uint32 // Application-defined opcode
	BlockTag uint32 // Correlation tag chosen by the original sender
	Value    any    // Decoded body, nil for an empty body
	Size     int    // Body length on the wire
}

// ExpectsResponse reports whether the sender registered a callback for this message.
func (m *Message) ExpectsResponse() bool {
	return m.BlockTag != 0
}

func (m *Message) String() string {
	return fmt.Sprintf("message{command=%d tag=%d size=%d}", m.Command, m.BlockTag, m.Size)
}
