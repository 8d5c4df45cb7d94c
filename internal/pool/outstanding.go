package pool

import "github.com/dbbouncer/pgpooler/internal/prepared"

// Action tells the dispatcher (component H) what to do with the reply a
// server sends to one forwarded or pooler-synthesized client message.
type Action int

const (
	// ActionForward relays the server's reply straight back to the client
	// unmodified: the normal case for a client-originated message.
	ActionForward Action = iota
	// ActionSkip swallows the server's reply: used for pooler-injected
	// messages the client never asked for, e.g. a lazy re-Parse issued to
	// satisfy a cached Bind, or a server_reset_query/SET alignment.
	ActionSkip
	// ActionFake tells the dispatcher to synthesize a reply to the client
	// instead of waiting on the server at all (e.g. Close of a statement
	// the client cache already knows isn't live on this server).
	ActionFake
)

// OutstandingRequest is one queued expectation of a server reply, spec
// §3/§4.H's canonical reply-pairing truth source. Every message sent to a
// server — whether relayed from the client or synthesized by the pooler
// itself — pushes exactly one OutstandingRequest; every reply the server
// sends pops exactly one, in order.
type OutstandingRequest struct {
	MsgType byte // the request message type this reply corresponds to
	Action  Action
	// PSRef, when set, names the prepared-statement QueryID this request
	// concerns, letting the dispatcher update the ServerCache when the
	// matching reply (ParseComplete, CloseComplete, ErrorResponse) arrives.
	PSRef prepared.QueryID
}

// requestQueue is a per-client-socket FIFO of OutstandingRequests, holding
// the requests that have been sent to the server this client currently
// owns but not yet answered.
type requestQueue struct {
	items []OutstandingRequest
}

func (q *requestQueue) push(r OutstandingRequest) {
	q.items = append(q.items, r)
}

func (q *requestQueue) pop() (OutstandingRequest, bool) {
	if len(q.items) == 0 {
		return OutstandingRequest{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

func (q *requestQueue) peek() (OutstandingRequest, bool) {
	if len(q.items) == 0 {
		return OutstandingRequest{}, false
	}
	return q.items[0], true
}

func (q *requestQueue) empty() bool {
	return len(q.items) == 0
}

func (q *requestQueue) reset() {
	q.items = q.items[:0]
}
