package channel

// Capability marks the events a handler wants to see. Dispatch skips
// handlers that do not declare an event.
type Capability uint8

const (
	CapOpened Capability = 1 << iota
	CapClosed
	CapInbound
	CapOutbound
	CapError

	CapAll = CapOpened | CapClosed | CapInbound | CapOutbound | CapError
)

func (c Capability) Has(x Capability) bool {
	return c&x == x
}

// Handler is one pipeline stage. Inbound, opened, closed and error events
// flow from the transport toward the application; outbound events flow the
// other way. A returned error is raised as an error event from the stage.
type Handler interface {
	Capabilities() Capability
	Opened(ctx *Context) error
	Closed(ctx *Context, reason error) error
	Inbound(ctx *Context, msg any) error
	Outbound(ctx *Context, msg any) error
	Error(ctx *Context, err error) error
}

// Adapter forwards every event unchanged. Embed it and override the
// methods named by Capabilities.
type Adapter struct{}

func (Adapter) Capabilities() Capability {
	return 0
}

func (Adapter) Opened(ctx *Context) error {
	ctx.FireOpened()
	return nil
}

func (Adapter) Closed(ctx *Context, reason error) error {
	ctx.FireClosed(reason)
	return nil
}

func (Adapter) Inbound(ctx *Context, msg any) error {
	ctx.FireInbound(msg)
	return nil
}

func (Adapter) Outbound(ctx *Context, msg any) error {
	ctx.FireOutbound(msg)
	return nil
}

func (Adapter) Error(ctx *Context, err error) error {
	ctx.FireError(err)
	return nil
}
