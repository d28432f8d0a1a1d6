// Package session owns the per-gateway TCP connection: the EtherNet/IP
// registration handshake, the optional CIP Forward Open channel, the
// request queue with Multiple Service Packet packing, the response
// demultiplexer, keepalive, and the reconnect policy. Sessions are shared
// by every tag addressing the same (gateway, route path, group) triple.
package session

import (
	"sync"

	"taglink/status"
)

// Request is one queued unit of protocol work: raw CIP request bytes in,
// raw CIP response bytes out. The flag fields are guarded by the request
// mutex, the innermost lock in the runtime.
type Request struct {
	// Immutable after creation.
	Data         []byte // CIP request (service + path + payload, no EIP wrapper)
	Connected    bool   // desired messaging mode
	AllowPacking bool   // Multiple Service Packet eligibility
	FirstRead    bool   // response size unknown; never packed
	TagID        int32  // owning tag, for logs only

	mu       sync.Mutex
	aborted  bool
	received bool
	result   status.Status
	response []byte

	// Correlation keys, set by the session writer just before transmit.
	context uint64 // encapsulation sender context (unconnected)
	seq     uint16 // connection sequence (connected)

	// onComplete is invoked exactly once, after the result fields are
	// set, outside the request mutex. The tag uses it to wake blocked
	// callers and the tickler.
	onComplete func(status.Status)
}

// NewRequest builds a request carrying the CIP bytes.
func NewRequest(tagID int32, data []byte, connected, allowPacking bool) *Request {
	return &Request{
		Data:         data,
		Connected:    connected,
		AllowPacking: allowPacking,
		TagID:        tagID,
	}
}

// OnComplete installs the completion callback. Must be set before the
// request is submitted.
func (r *Request) OnComplete(fn func(status.Status)) {
	r.onComplete = fn
}

// Abort marks the request aborted. An aborted request is skipped by the
// writer and its response, if one still arrives, is dropped.
func (r *Request) Abort() {
	r.mu.Lock()
	done := r.received
	r.aborted = true
	r.mu.Unlock()

	if !done {
		r.finish(status.ErrAbort, nil)
	}
}

// Aborted reports whether the request was aborted.
func (r *Request) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// complete records the response and fires the completion callback. Late
// completions after an abort are dropped.
func (r *Request) complete(st status.Status, response []byte) {
	r.mu.Lock()
	if r.received || r.aborted {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.finish(st, response)
}

func (r *Request) finish(st status.Status, response []byte) {
	r.mu.Lock()
	if r.received {
		r.mu.Unlock()
		return
	}
	r.received = true
	r.result = st
	r.response = response
	fn := r.onComplete
	r.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}

// Done reports completion along with the result status.
func (r *Request) Done() (status.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.received
}

// Response returns the raw CIP response bytes (valid once Done).
func (r *Request) Response() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}
