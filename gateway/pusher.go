package gateway

import (
	"context"
	"errors"
)

// ErrChannelNotReady is the transient "connection not ready" condition
// spec.md §4.3.2 describes: the channel has not yet finished transitioning
// to fully open, so a push is rejected but may succeed on retry.
var ErrChannelNotReady = errors.New("gateway: channel not ready for push")

// ErrChannelGone is returned when the channel the caller is pushing to no
// longer exists (spec.md §4.3.4 step 6: "On push failure with 'channel
// gone', delete the binding and return 502").
var ErrChannelGone = errors.New("gateway: channel gone")

// ChannelPusher is the abstract "push-to-channel sink" spec.md §1 treats
// the cloud provider's managed gateway as. A concrete implementation lives
// in ws.go, backed by the agent's open websocket connection.
type ChannelPusher interface {
	Push(ctx context.Context, channelID string, frame []byte) error
}
