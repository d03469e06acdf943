package protocol

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Message is a typed payload exchanged with the control components.
//
// MessageType returns the declared type name carried in the message-type
// header. It must not depend on the receiver's field values: Define calls it
// on the zero value. Use value (non-pointer) struct types.
type Message interface {
	MessageType() string
}

var (
	// ErrNotRegistered is returned when a type name has no registry entry.
	ErrNotRegistered = errors.New("message type not registered")

	// ErrInvalidEntry is returned by NewRegistry for an inconsistent entry.
	ErrInvalidEntry = errors.New("invalid registry entry")
)

// Callback receives the responses of one completed logical call. For an
// aggregate entry the slice holds exactly N payloads ordered by node id; for
// a single entry it holds the one response.
type Callback func(ctx context.Context, correlationID string, responses []Message) error

// Entry describes how one request type is sent and how its responses are
// handled. Build entries with Define unless a test needs a hand-rolled one.
type Entry struct {
	RequestType  string
	ResponseType string

	// Broadcast requests target every node; otherwise exactly one.
	Broadcast bool

	// Aggregate callbacks wait for all N responses.
	Aggregate bool

	ContextID func(req Message) (string, error)
	NodeID    func(resp Message) (NodeID, error)
	Decode    func(data []byte) (Message, error)
	Callback  Callback
}

// Definition is the typed form of an Entry.
type Definition[Req, Resp Message] struct {
	Broadcast bool
	Aggregate bool

	// ContextID returns the business deduplication key of a request.
	ContextID func(req Req) string

	// NodeID returns the node that produced a response.
	NodeID func(resp Resp) NodeID

	// OnComplete is invoked once per logical call.
	OnComplete func(ctx context.Context, correlationID string, responses []Resp) error
}

// Define turns a typed Definition into a registry Entry. Type names come from
// the zero values of Req and Resp.
func Define[Req, Resp Message](d Definition[Req, Resp]) Entry {
	var req Req
	var resp Resp

	e := Entry{
		RequestType:  req.MessageType(),
		ResponseType: resp.MessageType(),
		Broadcast:    d.Broadcast,
		Aggregate:    d.Aggregate,
		Decode: func(data []byte) (Message, error) {
			var out Resp
			if err := Unmarshal(data, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}

	if d.ContextID != nil {
		e.ContextID = func(m Message) (string, error) {
			typed, ok := m.(Req)
			if !ok {
				return "", fmt.Errorf("context id: expected %T, got %T", req, m)
			}
			return d.ContextID(typed), nil
		}
	}
	if d.NodeID != nil {
		e.NodeID = func(m Message) (NodeID, error) {
			typed, ok := m.(Resp)
			if !ok {
				return 0, fmt.Errorf("node id: expected %T, got %T", resp, m)
			}
			return d.NodeID(typed), nil
		}
	}
	if d.OnComplete != nil {
		e.Callback = func(ctx context.Context, correlationID string, responses []Message) error {
			typed := make([]Resp, len(responses))
			for i, m := range responses {
				r, ok := m.(Resp)
				if !ok {
					return fmt.Errorf("callback: expected %T at position %d, got %T", resp, i, m)
				}
				typed[i] = r
			}
			return d.OnComplete(ctx, correlationID, typed)
		}
	}

	return e
}

// Registry resolves entries by request type and by response type.
//
// It is immutable after construction.
type Registry struct {
	byRequest  map[string]Entry
	byResponse map[string]Entry
}

// NewRegistry validates entries and builds the lookup tables.
//
// A request type may be registered once. A response type must map to exactly
// one entry, otherwise inbound dispatch would be ambiguous. Aggregate entries
// must be broadcast and single entries must be unicast, so that the number of
// expected responses matches the number of targets.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		byRequest:  make(map[string]Entry, len(entries)),
		byResponse: make(map[string]Entry, len(entries)),
	}

	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if _, dup := r.byRequest[e.RequestType]; dup {
			return nil, fmt.Errorf("%w: request type %q registered twice", ErrInvalidEntry, e.RequestType)
		}
		if other, dup := r.byResponse[e.ResponseType]; dup {
			return nil, fmt.Errorf("%w: response type %q claimed by %q and %q",
				ErrInvalidEntry, e.ResponseType, other.RequestType, e.RequestType)
		}
		r.byRequest[e.RequestType] = e
		r.byResponse[e.ResponseType] = e
	}

	return r, nil
}

// MustRegistry is NewRegistry for static tables; it panics on error.
func MustRegistry(entries ...Entry) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

func validateEntry(e Entry) error {
	switch {
	case e.RequestType == "":
		return fmt.Errorf("%w: empty request type", ErrInvalidEntry)
	case e.ResponseType == "":
		return fmt.Errorf("%w: %s: empty response type", ErrInvalidEntry, e.RequestType)
	case e.ContextID == nil:
		return fmt.Errorf("%w: %s: missing context id extractor", ErrInvalidEntry, e.RequestType)
	case e.NodeID == nil:
		return fmt.Errorf("%w: %s: missing node id extractor", ErrInvalidEntry, e.RequestType)
	case e.Decode == nil:
		return fmt.Errorf("%w: %s: missing decoder", ErrInvalidEntry, e.RequestType)
	case e.Callback == nil:
		return fmt.Errorf("%w: %s: missing callback", ErrInvalidEntry, e.RequestType)
	case e.Aggregate != e.Broadcast:
		return fmt.Errorf("%w: %s: broadcast=%t but aggregate=%t",
			ErrInvalidEntry, e.RequestType, e.Broadcast, e.Aggregate)
	}
	return nil
}

// ByRequest returns the entry registered for a request type.
func (r *Registry) ByRequest(requestType string) (Entry, error) {
	e, ok := r.byRequest[requestType]
	if !ok {
		return Entry{}, fmt.Errorf("%w: request %q", ErrNotRegistered, requestType)
	}
	return e, nil
}

// ByResponse returns the entry whose response type matches.
func (r *Registry) ByResponse(responseType string) (Entry, error) {
	e, ok := r.byResponse[responseType]
	if !ok {
		return Entry{}, fmt.Errorf("%w: response %q", ErrNotRegistered, responseType)
	}
	return e, nil
}

// RequestTypes lists the registered request type names in sorted order.
func (r *Registry) RequestTypes() []string {
	names := make([]string, 0, len(r.byRequest))
	for name := range r.byRequest {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
