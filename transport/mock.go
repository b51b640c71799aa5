package transport

import (
	"context"
	"sync"

	"github.com/hupe1980/telemetrymesh/core"
)

// Mock is a lightweight in‑memory Transport useful for tests & examples. It
// replays scripted responses in order and records every request it receives.
// When the script is exhausted it answers 200 with an empty body.
type Mock struct {
	mu       sync.Mutex
	script   []mockResult
	requests []core.Request
}

type mockResult struct {
	resp *core.Response
	err  error
}

// NewMock constructs an empty Mock.
func NewMock() *Mock {
	return &Mock{}
}

// AddResponse appends a canned response to the script.
func (m *Mock) AddResponse(statusCode int, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockResult{resp: &core.Response{StatusCode: statusCode, Body: body}})
}

// AddError appends a transport error to the script.
func (m *Mock) AddError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockResult{err: err})
}

// Do implements core.Transport.
func (m *Mock) Do(_ context.Context, req core.Request) (*core.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if len(m.script) == 0 {
		return &core.Response{StatusCode: 200, Body: []byte("{}")}, nil
	}
	next := m.script[0]
	m.script = m.script[1:]
	return next.resp, next.err
}

// Requests returns a snapshot of every request received so far.
func (m *Mock) Requests() []core.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]core.Request, len(m.requests))
	copy(cp, m.requests)
	return cp
}

// LastRequest returns the most recent request, or nil if none were made.
func (m *Mock) LastRequest() *core.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	req := m.requests[len(m.requests)-1]
	return &req
}

// CallCount reports how many requests were made.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
