// ReplyPool recycles ephemeral reply-port pairs.
//
// Every call allocates a fresh pair by default; under high call volume that
// allocation is the one real cost of structural correlation, so the pool
// keeps a small freelist of linked pairs ready to hand out.
//
// Pool design: uses a buffered channel as a natural FIFO queue. Buffered
// channels are concurrency-safe, and "discard when full" is a non-blocking
// select away.
package transport

// ReplyPool manages a freelist of bound reply-port pairs.
type ReplyPool struct {
	free chan replyPair
}

type replyPair struct {
	local  *Port // retained by the caller, receives the single reply
	remote *Port // attached to the outgoing message
}

// NewReplyPool creates a pool holding at most size idle pairs. size 0
// disables recycling and every Get allocates.
func NewReplyPool(size int) *ReplyPool {
	return &ReplyPool{free: make(chan replyPair, size)}
}

// Get returns a linked, bound pair: local for receiving the reply, remote
// to attach to the outgoing message.
func (p *ReplyPool) Get() (local, remote *Port) {
	select {
	case pair := <-p.free:
		return pair.local, pair.remote
	default:
		l, r := BoundPair()
		return l, r
	}
}

// Put returns a pair to the freelist. Closed pairs are discarded; when the
// freelist is full the pair is simply left to the collector.
//
// A recycled pair is safe to reuse because each call receives at most one
// reply. Put still drains any stray late message in case a peer misbehaved
// and replied twice.
func (p *ReplyPool) Put(local, remote *Port) {
	if local == nil || remote == nil || local.Closed() || remote.Closed() {
		return
	}
	for {
		select {
		case <-local.queue:
			continue
		case <-remote.queue:
			continue
		default:
		}
		break
	}
	select {
	case p.free <- replyPair{local: local, remote: remote}:
	default:
	}
}
