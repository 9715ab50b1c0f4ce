package session

import (
	"context"

	"github.com/sirupsen/logrus"
)

// DeviceOperator is the external device directory service: it records
// "device D is online at node N" for global lookup. The manager only calls
// Online/Offline as write-through on register/unregister; persistence,
// durability and multi-node fan-out are entirely the operator's concern.
type DeviceOperator interface {
	// Online reports that sessionID (or the device-id, if the operator
	// doesn't distinguish them) is online at serverID, reachable at addr
	// (empty if unknown).
	Online(ctx context.Context, serverID, sessionID, addr string) error
	// Offline reports that the session is no longer online anywhere this
	// operator call originated from.
	Offline(ctx context.Context) error
}

// NoopOperator discards every write-through. Useful for anonymous/transient
// sessions and for tests that don't care about directory state.
type NoopOperator struct{}

// Online implements DeviceOperator.
func (NoopOperator) Online(context.Context, string, string, string) error { return nil }

// Offline implements DeviceOperator.
func (NoopOperator) Offline(context.Context) error { return nil }

// LoggingOperator logs every write-through at debug level and otherwise
// behaves like NoopOperator. Grounded on the push.Handler plugins in
// github.com/tinode/chat, which likewise log delivery attempts rather than
// persisting anything themselves.
type LoggingOperator struct {
	DeviceID string
	Log      logrus.FieldLogger
}

// Online implements DeviceOperator.
func (o LoggingOperator) Online(_ context.Context, serverID, sessionID, addr string) error {
	o.logger().WithFields(logrus.Fields{
		"server":  serverID,
		"session": sessionID,
		"addr":    addr,
	}).Debug("operator: online")
	return nil
}

// Offline implements DeviceOperator.
func (o LoggingOperator) Offline(context.Context) error {
	o.logger().Debug("operator: offline")
	return nil
}

func (o LoggingOperator) logger() logrus.FieldLogger {
	if o.Log == nil {
		return logrus.WithField("device", o.DeviceID)
	}
	return o.Log.WithField("device", o.DeviceID)
}
