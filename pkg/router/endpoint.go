package router

// MaxEndpoints is the fixed number of local endpoints a [Router] can
// hold.
const MaxEndpoints = 16

// Well-known local endpoint tags.
const (
	EndpointSDCard   uint16 = 1
	EndpointTimeSync uint16 = 2
)

// PacketView is handed to a local endpoint's packet handler: a view
// onto one decoded packet, with its timestamp and the side it arrived
// from (-1 if originless).
type PacketView struct {
	Type        uint16
	Payload     []byte
	TimestampMs int64
	SrcSideID   int
}

// PacketHandler processes one packet addressed to a local endpoint.
// Must be non-blocking; runs on the worker goroutine.
type PacketHandler func(pkt PacketView)

// SerializedHandler optionally receives the packet's raw serialized
// bytes in addition to the decoded view (e.g. for a pass-through sink
// like SD_CARD that just writes bytes).
type SerializedHandler func(raw []byte)

// LocalEndpoint is a sink bound to a numeric tag.
type LocalEndpoint struct {
	Tag        uint16
	Handler    PacketHandler
	Serialized SerializedHandler
}
