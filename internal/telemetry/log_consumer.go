package telemetry

import (
	"context"

	"github.com/router-for-me/RelayCore/internal/logging"
	log "github.com/sirupsen/logrus"
)

// LogConsumer writes proxy events to the shared logrus logger at debug
// level, tagged with the request ID carried in the context.
type LogConsumer struct{}

func entry(ctx context.Context) *log.Entry {
	return log.WithField("request_id", logging.GetRequestID(ctx))
}

func (LogConsumer) ForwarderStage(ctx context.Context, stage Stage) {
	entry(ctx).Debugf("forwarder stage %s", stage)
}

func (LogConsumer) ContentTransferring(ctx context.Context, stats TransferStats) {
	direction := "response"
	if stats.Request {
		direction = "request"
	}
	entry(ctx).Debugf("%s transfer in progress: %d bytes, %d iops", direction, stats.Bytes, stats.IOPS)
}

func (LogConsumer) ContentTransferred(ctx context.Context, stats TransferStats) {
	direction := "response"
	if stats.Request {
		direction = "request"
	}
	entry(ctx).Debugf("%s transfer done: %d bytes, %d iops, read %s, write %s, first read %s",
		direction, stats.Bytes, stats.IOPS, stats.ReadTime, stats.WriteTime, stats.FirstReadTime)
}

func (LogConsumer) ProxyStart(ctx context.Context) {
	entry(ctx).Debug("proxy start")
}

func (LogConsumer) ProxyStop(ctx context.Context, statusCode int) {
	entry(ctx).Debugf("proxy stop: status %d", statusCode)
}

func (LogConsumer) ProxyFailed(ctx context.Context, kind string) {
	entry(ctx).Warnf("proxy failed: %s", kind)
}

func (LogConsumer) ProxyInvoke(ctx context.Context, clusterID, routeID, destinationID string) {
	entry(ctx).Debugf("proxy invoke: cluster=%s route=%s destination=%s", clusterID, routeID, destinationID)
}
