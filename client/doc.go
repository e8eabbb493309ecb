// Package client sends HTTP/1.1 requests over pooled transports.
//
// A Client owns (or shares) a Pool of idle transports keyed by Origin.
// Each request is an outbound Conn. When its response body has been read
// to the end, and the server allowed keep-alive, the transport goes back
// to the pool by itself; closing a Conn with unread body closes the
// transport instead.
//
//	c := client.New(client.Config{})
//	conn, err := c.Get(ctx, "http://example.com/")
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//	body, err := conn.ResponseBodyString()
package client
