// Package proc implements the cooperative round-robin process executor:
// process descriptors, their mailboxes, and the timer-driven scheduler.
package proc

// Message is an opaque value delivered to a process's handler. Tag
// identifies the payload's logical type so a handler can downcast
// explicitly via As instead of relying on a language-level type switch over
// every possible sender.
type Message struct {
	Tag     string
	Payload interface{}
}

// As returns the payload if Tag matches tag. It fails cleanly (ok=false)
// rather than panicking when the tags don't match.
func (m Message) As(tag string) (payload interface{}, ok bool) {
	if m.Tag != tag {
		return nil, false
	}
	return m.Payload, true
}
