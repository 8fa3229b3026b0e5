// Package health reports the SIP stack status over the standard gRPC health protocol.
package health

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/404-not-find/SipVoice/internal/events"
)

// ServiceName is the health service name reported for the SIP stack.
const ServiceName = "sipvoice.SipStack"

// Reporter tracks stack status events. It starts NOT_SERVING until the
// engine reports a started stack.
type Reporter struct {
	srv     *grpchealth.Server
	log     logrus.FieldLogger
	started atomic.Bool
}

func NewReporter(log logrus.FieldLogger) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reporter{srv: grpchealth.NewServer(), log: log.WithField("component", "health")}
	r.set(false)
	return r
}

// Register exposes the health service on s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
}

// Server returns the underlying health server.
func (r *Reporter) Server() healthpb.HealthServer { return r.srv }

// Started reports the last stack status seen.
func (r *Reporter) Started() bool { return r.started.Load() }

// HandleEvent implements the dispatcher subscriber interface.
func (r *Reporter) HandleEvent(_ context.Context, ev events.Event) error {
	if e, ok := ev.(events.StackStatusEvent); ok {
		if r.started.Swap(e.Started) != e.Started {
			r.log.WithField("started", e.Started).Info("SIP stack status changed")
		}
		r.set(e.Started)
	}
	return nil
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() { r.srv.Shutdown() }

func (r *Reporter) set(started bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if started {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus(ServiceName, status)
	r.srv.SetServingStatus("", status)
}
