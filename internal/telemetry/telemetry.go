// Package telemetry defines the event surface emitted by the proxy core.
// The core reports stage transitions, per-pump transfer progress, and
// request outcomes; how those events are consumed (logging, metrics,
// tracing) is up to the registered consumers.
package telemetry

import (
	"context"
	"time"
)

// Stage identifies a point in the lifecycle of a single proxied request.
type Stage int

const (
	StageReceivedRequest Stage = iota
	StageSentRequest
	StageReceivedResponse
	StageResponseContentTransferStart
	StageResponseUpgrade
	StageCompleted
)

var stageNames = map[Stage]string{
	StageReceivedRequest:              "ReceivedRequest",
	StageSentRequest:                  "SentRequest",
	StageReceivedResponse:             "ReceivedResponse",
	StageResponseContentTransferStart: "ResponseContentTransferStart",
	StageResponseUpgrade:              "ResponseUpgrade",
	StageCompleted:                    "Completed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// TransferStats carries the counters accumulated by one body pump.
type TransferStats struct {
	// Request is true for the client-to-destination direction.
	Request bool
	// Bytes is the number of bytes moved so far.
	Bytes int64
	// IOPS is the number of completed read operations.
	IOPS int64
	// ReadTime and WriteTime are cumulative time spent in reads and writes.
	ReadTime  time.Duration
	WriteTime time.Duration
	// FirstReadTime is the latency of the first read. Only meaningful on
	// the final ContentTransferred event.
	FirstReadTime time.Duration
}

// Consumer receives proxy events. Implementations must be safe for
// concurrent use; events for distinct requests may arrive interleaved.
type Consumer interface {
	// ForwarderStage is emitted at every state transition of a request.
	ForwarderStage(ctx context.Context, stage Stage)
	// ContentTransferring is emitted periodically (at most once per
	// second) while a body pump is active.
	ContentTransferring(ctx context.Context, stats TransferStats)
	// ContentTransferred is emitted exactly once when a body pump ends.
	ContentTransferred(ctx context.Context, stats TransferStats)
	// ProxyStart is emitted when the forwarder accepts a request.
	ProxyStart(ctx context.Context)
	// ProxyStop is emitted when a request completes successfully.
	ProxyStop(ctx context.Context, statusCode int)
	// ProxyFailed is emitted when a request terminates with an error.
	ProxyFailed(ctx context.Context, kind string)
	// ProxyInvoke is emitted when routing hands a request to the forwarder.
	ProxyInvoke(ctx context.Context, clusterID, routeID, destinationID string)
}

// Nop is a Consumer that drops every event.
type Nop struct{}

func (Nop) ForwarderStage(context.Context, Stage)              {}
func (Nop) ContentTransferring(context.Context, TransferStats) {}
func (Nop) ContentTransferred(context.Context, TransferStats)  {}
func (Nop) ProxyStart(context.Context)                         {}
func (Nop) ProxyStop(context.Context, int)                     {}
func (Nop) ProxyFailed(context.Context, string)                {}
func (Nop) ProxyInvoke(context.Context, string, string, string) {}

// Composite fans every event out to each registered consumer in order.
type Composite struct {
	consumers []Consumer
}

// NewComposite builds a Composite over the given consumers. Nil entries
// are skipped.
func NewComposite(consumers ...Consumer) *Composite {
	kept := make([]Consumer, 0, len(consumers))
	for _, c := range consumers {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Composite{consumers: kept}
}

func (m *Composite) ForwarderStage(ctx context.Context, stage Stage) {
	for _, c := range m.consumers {
		c.ForwarderStage(ctx, stage)
	}
}

func (m *Composite) ContentTransferring(ctx context.Context, stats TransferStats) {
	for _, c := range m.consumers {
		c.ContentTransferring(ctx, stats)
	}
}

func (m *Composite) ContentTransferred(ctx context.Context, stats TransferStats) {
	for _, c := range m.consumers {
		c.ContentTransferred(ctx, stats)
	}
}

func (m *Composite) ProxyStart(ctx context.Context) {
	for _, c := range m.consumers {
		c.ProxyStart(ctx)
	}
}

func (m *Composite) ProxyStop(ctx context.Context, statusCode int) {
	for _, c := range m.consumers {
		c.ProxyStop(ctx, statusCode)
	}
}

func (m *Composite) ProxyFailed(ctx context.Context, kind string) {
	for _, c := range m.consumers {
		c.ProxyFailed(ctx, kind)
	}
}

func (m *Composite) ProxyInvoke(ctx context.Context, clusterID, routeID, destinationID string) {
	for _, c := range m.consumers {
		c.ProxyInvoke(ctx, clusterID, routeID, destinationID)
	}
}
