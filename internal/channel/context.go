package channel

import "github.com/rs/zerolog"

// Context binds a handler to its position in the pipeline snapshot that is
// dispatching the current event.
type Context struct {
	ch     *Channel
	stages []*stage
	idx    int
}

func (c *Context) Channel() *Channel {
	return c.ch
}

func (c *Context) Name() string {
	return c.stages[c.idx].name
}

func (c *Context) Logger() *zerolog.Logger {
	return &c.ch.log
}

func (c *Context) FireOpened() {
	c.ch.pipeline.opened(c.stages, c.idx+1)
}

func (c *Context) FireClosed(reason error) {
	c.ch.pipeline.closed(c.stages, c.idx+1, reason)
}

func (c *Context) FireInbound(msg any) {
	c.ch.pipeline.inbound(c.stages, c.idx+1, msg)
}

func (c *Context) FireOutbound(msg any) {
	c.ch.pipeline.outbound(c.stages, c.idx-1, msg)
}

func (c *Context) FireError(err error) {
	c.ch.pipeline.raise(c.stages, c.idx+1, err)
}
