package codeview

// OnStop reconciles the viewport with a fresh stop at addr. A stop
// already in the buffer only records the cursor, preserving the
// user's scroll position; one just past the buffer edge (within
// EdgeSlack bytes) stays in place rather than reloading; anything
// farther jumps. Each stop address is handled at most once until
// OnResume, so automatic sync never fights manual scrolling within
// one stop.
func (c *Controller) OnStop(addr uint64) []Request {
	c.stopped = true
	c.stopAddr = addr
	if c.hasHandled && c.handledStop == addr {
		return nil
	}
	c.hasHandled = true
	c.handledStop = addr
	if _, ok := c.buf.IndexOf(addr); ok {
		return nil
	}
	if lo, hi, ok := c.buf.Range(); ok {
		if addr < lo && lo-addr <= EdgeSlack {
			return nil
		}
		if addr >= hi && addr-hi <= EdgeSlack {
			return nil
		}
	}
	return c.JumpTo(addr)
}

// OnResume clears the stop cursor and re-arms stop handling.
func (c *Controller) OnResume() {
	c.stopped = false
	c.hasHandled = false
}

// StopAddr reports the stop cursor while the target is stopped.
func (c *Controller) StopAddr() (uint64, bool) {
	return c.stopAddr, c.stopped
}
