package usb

import "time"

// Device is one enumerated USB device with its parsed configuration tree.
// Open claims the named interface (plus the streaming interfaces it is
// associated with) and returns a messenger speaking to it.
type Device interface {
	Info() DeviceInfo
	Interfaces() []*Interface
	// InterfacesBySubclass filters the interface list; SubclassAny returns
	// everything.
	InterfacesBySubclass(filter Subclass) []*Interface
	GetInterface(number uint8) *Interface
	// Descriptors returns the raw descriptor tree in on-wire order.
	Descriptors() []Descriptor
	Open(interfaceNumber uint8) (Messenger, error)
	Close() error
}

// Messenger performs transfers against an open device. Every operation
// reports a Status from the shared taxonomy.
type Messenger interface {
	// ControlTransfer performs a synchronous transfer on the default control
	// pipe and reports the bytes moved.
	ControlTransfer(requestType, request uint8, value, index uint16, buf []byte, timeout time.Duration) (int, Status)
	// BulkTransfer performs a synchronous bulk transfer on the endpoint.
	BulkTransfer(endpoint *Endpoint, buf []byte, timeout time.Duration) (int, Status)
	// ResetEndpoint clears a stalled pipe (CLEAR_FEATURE on the endpoint).
	ResetEndpoint(endpoint *Endpoint, timeout time.Duration) Status
	// CreateRequest builds an asynchronous request bound to the endpoint.
	CreateRequest(endpoint *Endpoint) (*Request, error)
	// SubmitRequest queues the request with the backend. The completion is
	// delivered through the request's callback.
	SubmitRequest(r *Request) Status
	// CancelRequest removes an in-flight request. The callback still
	// observes the completion with a zero or short transfer.
	CancelRequest(r *Request) Status
	Close() error
}
