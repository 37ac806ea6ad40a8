package channel

// tail is the application-facing sentinel. Anything reaching it was not
// consumed by a stage and is logged and dropped.
type tail struct {
	Adapter
	ch *Channel
}

func (t *tail) Capabilities() Capability {
	return CapOpened | CapClosed | CapInbound | CapError
}

func (t *tail) Opened(*Context) error {
	return nil
}

func (t *tail) Closed(*Context, error) error {
	return nil
}

func (t *tail) Inbound(_ *Context, msg any) error {
	t.ch.log.Debug().Msgf("channel.tail unhandled inbound type=%T", msg)
	return nil
}

func (t *tail) Error(_ *Context, err error) error {
	t.ch.log.Warn().Err(err).Msg("channel.tail unhandled error")
	return nil
}
