package protocol

import "net/http"

// RequestContext is what a request interceptor may observe and mutate
// before a call is sent.
type RequestContext struct {
	Request *http.Request
}

// ResponseContext is what a response interceptor may observe after a call
// returns. Body has already been fully buffered into memory before any
// interceptor runs (resolving the body-consumption-vs-replay ambiguity), so
// setting ReplayRequest never races a body read.
type ResponseContext struct {
	Request       *http.Request
	Response      *http.Response
	Body          []byte
	ReplayRequest bool
}

// Interceptor is a capability-dispatch pair: either hook may be nil. This
// replaces inheritance with dispatch-by-capability, the same approach the
// event bus's Handler interface uses for its own chain.
type Interceptor struct {
	OnRequest  func(*RequestContext) error
	OnResponse func(*ResponseContext) error
}

// chain runs every OnRequest hook in order, then every OnResponse hook in
// order, returning whether any response hook requested a replay.
type chain []Interceptor

func (c chain) runRequest(rc *RequestContext) error {
	for _, ic := range c {
		if ic.OnRequest == nil {
			continue
		}
		if err := ic.OnRequest(rc); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) runResponse(rc *ResponseContext) (replay bool, err error) {
	for _, ic := range c {
		if ic.OnResponse == nil {
			continue
		}
		if err := ic.OnResponse(rc); err != nil {
			return false, err
		}
		if rc.ReplayRequest {
			replay = true
			rc.ReplayRequest = false
		}
	}
	return replay, nil
}
