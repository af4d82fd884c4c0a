package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Handler serves one method of a worker task. The returned value is
// encoded as the response result.
type Handler func(ctx context.Context, args Args) (any, error)

// Serve runs the worker side of the protocol: it decodes requests from r,
// dispatches each to its handler on its own goroutine and writes the
// responses to w. Serve returns nil when r reaches EOF, after every
// in-flight handler has answered.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handlers map[string]Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := newDecoder(r)
	enc := newEncoder(w)
	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	reply := func(resp Response) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := enc.Encode(resp); err != nil {
			// The parent is gone; nothing left to tell it.
			cancel()
		}
	}

	var readErr error
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = fmt.Errorf("decoding request: %w", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply(handle(ctx, handlers, req))
		}()
	}
	wg.Wait()
	return readErr
}

func handle(ctx context.Context, handlers map[string]Handler, req Request) (resp Response) {
	resp.ID = req.ID
	h, ok := handlers[req.Method]
	if !ok {
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
		return resp
	}
	defer func() {
		if r := recover(); r != nil {
			resp.Result = nil
			resp.Error = fmt.Sprintf("panic in %s: %v", req.Method, r)
		}
	}()
	result, err := h(ctx, req.Args)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if result == nil {
		return resp
	}
	data, err := encMode.Marshal(result)
	if err != nil {
		resp.Error = fmt.Sprintf("encoding result of %s: %v", req.Method, err)
		return resp
	}
	resp.Result = data
	return resp
}
