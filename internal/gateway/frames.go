package gateway

import "github.com/ripcore/rip/internal/eventstore"

// streamAppender is the subset of *authority.Authority a single-stream
// consumer needs. Both tool.Runner's FrameAppender and provider.Adapter's
// FrameAppender share this exact signature, so one streamFrames value
// satisfies either dependency interface structurally.
type streamAppender interface {
	Append(st eventstore.Stream, typ eventstore.FrameType, payload any) (eventstore.Event, error)
}

// streamFrames binds a multi-stream FrameAppender to one fixed stream, for
// components (tool.Runner, provider.Adapter) that are scoped to a single
// session and know nothing of stream identity themselves.
type streamFrames struct {
	authority streamAppender
	stream    eventstore.Stream
}

// Append implements both tool.FrameAppender and provider.FrameAppender.
func (f streamFrames) Append(typ eventstore.FrameType, payload any) error {
	_, err := f.authority.Append(f.stream, typ, payload)
	return err
}
