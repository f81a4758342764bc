package comm

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"

	"github.com/sortlast/compositor"
)

// Local is an in-process communicator. Each rank runs on its own
// goroutine; messages pass through shared mailboxes with FIFO order per
// (source, destination, tag). It exists to drive multi-rank tests and
// single-machine compositing without an MPI runtime.
type Local struct {
	net  *localNetwork
	rank int
}

// LocalOption configures a local communicator group.
type LocalOption func(*localNetwork)

// WithPayloadCompression makes every rank S2-compress message payloads
// before they enter a mailbox and expand them on receive. Sparse image
// streams are already run-length encoded, but their active fragment data
// compresses further; for mostly-dense images this trades CPU for a
// smaller copy.
func WithPayloadCompression() LocalOption {
	return func(n *localNetwork) { n.compress = true }
}

// NewLocalGroup creates size connected local communicators, one per rank.
func NewLocalGroup(size int, opts ...LocalOption) []*Local {
	net := &localNetwork{
		size:  size,
		boxes: make(map[mailboxKey][][]byte),
	}
	net.cond = sync.NewCond(&net.mu)
	for _, opt := range opts {
		opt(net)
	}
	group := make([]*Local, size)
	for i := range group {
		group[i] = &Local{net: net, rank: i}
	}
	return group
}

type mailboxKey struct {
	src, dst int
	tag      Tag
}

type localNetwork struct {
	size     int
	compress bool

	mu    sync.Mutex
	cond  *sync.Cond
	boxes map[mailboxKey][][]byte
}

// Size returns the number of ranks in the group.
func (c *Local) Size() int { return c.net.size }

// Rank returns this communicator's rank.
func (c *Local) Rank() int { return c.rank }

func (c *Local) checkRank(r int) error {
	if r < 0 || r >= c.net.size {
		return fmt.Errorf("comm: rank %d of %d: %w: %w",
			r, c.net.size, ErrRankOutOfRange, compositor.ErrInvalidValue)
	}
	return nil
}

// Send delivers data to dest under tag. The payload is copied (and
// optionally compressed), so the caller's buffer may be reused on return.
func (c *Local) Send(data []byte, tag Tag, dest int) error {
	if err := c.checkRank(dest); err != nil {
		return err
	}
	var msg []byte
	if c.net.compress {
		msg = s2.Encode(nil, data)
	} else {
		msg = make([]byte, len(data))
		copy(msg, data)
	}
	key := mailboxKey{src: c.rank, dst: dest, tag: tag}
	c.net.mu.Lock()
	c.net.boxes[key] = append(c.net.boxes[key], msg)
	c.net.mu.Unlock()
	c.net.cond.Broadcast()
	return nil
}

// Recv blocks for the next message from src under tag and returns it in a
// buffer obtained from alloc.
func (c *Local) Recv(alloc Allocator, tag Tag, src int) ([]byte, error) {
	if err := c.checkRank(src); err != nil {
		return nil, err
	}
	msg := c.take(mailboxKey{src: src, dst: c.rank, tag: tag})
	return c.deliver(msg, alloc)
}

func (c *Local) take(key mailboxKey) []byte {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	for len(c.net.boxes[key]) == 0 {
		c.net.cond.Wait()
	}
	msg := c.net.boxes[key][0]
	c.net.boxes[key] = c.net.boxes[key][1:]
	return msg
}

func (c *Local) deliver(msg []byte, alloc Allocator) ([]byte, error) {
	if c.net.compress {
		size, err := s2.DecodedLen(msg)
		if err != nil {
			return nil, fmt.Errorf("comm: bad compressed payload: %w: %w",
				err, compositor.ErrInvalidValue)
		}
		buf := alloc(size)
		if len(buf) < size {
			return nil, fmt.Errorf("comm: receive buffer of %d bytes for %d-byte message: %w",
				len(buf), size, compositor.ErrOutOfResources)
		}
		out, err := s2.Decode(buf[:size], msg)
		if err != nil {
			return nil, fmt.Errorf("comm: bad compressed payload: %w: %w",
				err, compositor.ErrInvalidValue)
		}
		return out, nil
	}
	buf := alloc(len(msg))
	if len(buf) < len(msg) {
		return nil, fmt.Errorf("comm: receive buffer of %d bytes for %d-byte message: %w",
			len(buf), len(msg), compositor.ErrOutOfResources)
	}
	copy(buf, msg)
	return buf[:len(msg)], nil
}

// SendRecv sends to dest and receives from src as one operation. The send
// enqueues without waiting for the partner, so two ranks may SendRecv each
// other without deadlock.
func (c *Local) SendRecv(send []byte, sendTag Tag, dest int, alloc Allocator, recvTag Tag, src int) ([]byte, error) {
	if err := c.Send(send, sendTag, dest); err != nil {
		return nil, err
	}
	return c.Recv(alloc, recvTag, src)
}

// localRequest is a receive posted by Irecv and completed by Waitall.
type localRequest struct {
	c    *Local
	buf  []byte
	tag  Tag
	src  int
	n    int
	done bool
}

// Received returns the delivered byte count after Waitall.
func (r *localRequest) Received() int { return r.n }

// Irecv posts a receive into buf. The matching message is claimed no
// earlier than the Waitall that completes the request.
func (c *Local) Irecv(buf []byte, tag Tag, src int) (Request, error) {
	if err := c.checkRank(src); err != nil {
		return nil, err
	}
	return &localRequest{c: c, buf: buf, tag: tag, src: src}, nil
}

// Waitall completes every pending request, in order.
func (c *Local) Waitall(requests []Request) error {
	for _, req := range requests {
		if req == nil {
			continue
		}
		r, ok := req.(*localRequest)
		if !ok {
			return fmt.Errorf("comm: foreign request: %w", compositor.ErrInvalidValue)
		}
		if r.done {
			continue
		}
		msg := r.c.take(mailboxKey{src: r.src, dst: r.c.rank, tag: r.tag})
		out, err := r.c.deliver(msg, func(int) []byte { return r.buf })
		if err != nil {
			return err
		}
		r.n = len(out)
		r.done = true
	}
	return nil
}
