// Package grain composes request handlers around a per-request Conn.
//
// A Handler receives a *Conn and returns a *Conn. Every handler in a tree
// sees the same Conn in turn; they share nothing else. Combinators build
// trees out of leaves:
//
//	app := grain.NewSequence(
//	    grain.NewState(cfg),          // every conn gets a copy of cfg
//	    auth,                         // may call grain.Fail and halt
//	    grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
//	        cfg, _ := grain.StateOf[Config](c)
//	        return c.Ok("hello from " + cfg.Name)
//	    }),
//	)
//
// Once a handler halts the conn, no handler after it runs, at any nesting
// depth. BeforeSend hooks run for every handler in reverse order once the
// tree is done, whether or not it halted.
//
// A handler tree is built once and shared by all connections. Handlers must
// not keep per-request state in their own fields; per-request data belongs
// in the conn's StateSet.
package grain
