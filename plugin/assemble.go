package plugin

import (
	"sync"

	"github.com/Zereker/dvc"
)

// AssemblingCallback sits in front of a ChannelCallback for hosts that deliver
// raw chunks, header included. It reassembles them and forwards each complete
// message to the wrapped callback.
type AssemblingCallback struct {
	next ChannelCallback

	mu  sync.Mutex
	asm *dvc.Assembler
}

// NewAssemblingCallback wraps next. The mode, ordering and message length
// options of opt configure reassembly.
func NewAssemblingCallback(next ChannelCallback, opt ...dvc.Option) *AssemblingCallback {
	return &AssemblingCallback{
		next: next,
		asm:  dvc.NewAssembler(opt...),
	}
}

// OnDataReceived feeds one chunk. Reassembly errors drop the partial message
// and are returned to the host.
func (c *AssemblingCallback) OnDataReceived(data []byte) error {
	c.mu.Lock()
	done, err := c.asm.Feed(data)
	var msg []byte
	if done {
		msg = c.asm.Message()
	}
	c.mu.Unlock()

	if err != nil || !done {
		return err
	}
	return c.next.OnDataReceived(msg)
}

// OnClose drops any partial message and notifies the wrapped callback.
func (c *AssemblingCallback) OnClose() error {
	c.mu.Lock()
	c.asm.Reset()
	c.mu.Unlock()

	return c.next.OnClose()
}
