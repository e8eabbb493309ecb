package grain

import "net/http"

// ResolveStatus returns the status a response for c should carry: the one a
// handler set, else the status of an error recorded by Fail, else 200 when
// a body is set, else 404.
func ResolveStatus(c *Conn) int {
	if c.Status() != 0 {
		return c.Status()
	}
	if he, ok := ErrorOf(c); ok {
		return he.Status
	}
	if c.HasBody() {
		return http.StatusOK
	}
	return http.StatusNotFound
}
