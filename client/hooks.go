package client

// BeforeRequestHook is called before a Conn is sent.
// If the hook returns an error, the request is aborted and the error is returned to the caller.
//
// Use cases:
//   - Add custom headers
//   - Log request details
//   - Implement custom authentication
//
// The conn's request side can be modified in place.
type BeforeRequestHook func(c *Conn) error

// AfterResponseHook is called once a response head has been received.
// The hook must not read the body. If the hook returns an error, it is
// ignored (the conn is still returned).
//
// Use cases:
//   - Log response details
//   - Parse rate limit headers
//   - Update internal state
type AfterResponseHook func(c *Conn) error

// OnErrorHook is called when sending a Conn fails.
// If the hook returns an error, it is ignored (the original error is still returned).
//
// Use cases:
//   - Log errors
//   - Trigger alerts
type OnErrorHook func(c *Conn, err error) error
