package usb

import "sync"

// Request is an opaque in-flight bulk transfer. The buffer is owned by the
// request for its whole lifetime; backends fill ActualLength on completion
// and route the completion through the attached callback. ClientData is the
// backend's slot for finding its native bookkeeping again — typically an
// index into the backend's request-holder table, which is what keeps the
// request alive until completion without a reference cycle.
type Request struct {
	mu         sync.Mutex
	endpoint   *Endpoint
	buffer     []byte
	actual     int
	callback   *RequestCallback
	clientData any
	native     any
}

// NewRequest creates a request bound to an endpoint.
func NewRequest(endpoint *Endpoint) *Request {
	return &Request{endpoint: endpoint}
}

// Endpoint returns the endpoint the request is bound to.
func (r *Request) Endpoint() *Endpoint {
	return r.endpoint
}

// SetBuffer hands a buffer to the request. Ownership transfers until the
// request completes or is cancelled.
func (r *Request) SetBuffer(buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = buf
}

// Buffer returns the request's transfer buffer.
func (r *Request) Buffer() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}

// ActualLength reports the bytes moved by the last completion.
func (r *Request) ActualLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actual
}

// SetActualLength records the completed transfer size. Backends only.
func (r *Request) SetActualLength(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actual = n
}

// SetCallback attaches the completion callback handle.
func (r *Request) SetCallback(cb *RequestCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

// Callback returns the completion callback handle.
func (r *Request) Callback() *RequestCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callback
}

// SetClientData stores backend routing data on the request.
func (r *Request) SetClientData(data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientData = data
}

// ClientData returns the backend routing data.
func (r *Request) ClientData() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientData
}

// SetNative stores the backend's native transfer object.
func (r *Request) SetNative(native any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.native = native
}

// Native returns the backend's native transfer object.
func (r *Request) Native() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.native
}

// RequestCallback is a cancellable completion handle. Cancel clears the user
// function under the lock; completions arriving afterwards are no-ops.
type RequestCallback struct {
	mu sync.Mutex
	fn func(*Request)
}

// NewRequestCallback wraps a completion function.
func NewRequestCallback(fn func(*Request)) *RequestCallback {
	return &RequestCallback{fn: fn}
}

// Cancel detaches the user function. Safe to call more than once.
func (c *RequestCallback) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = nil
}

// Invoke runs the user function unless cancelled. The lock is held for the
// duration of the call, so a returned Cancel guarantees no completion is
// still running.
func (c *RequestCallback) Invoke(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fn != nil {
		c.fn(r)
	}
}
