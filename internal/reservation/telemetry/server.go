package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/reservation/domain"
	"github.com/example/dockhold/internal/reservation/service"
)

var dockEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dock_telemetry_events_total",
	Help: "Dock telemetry events grouped by outcome.",
}, []string{"outcome"})

// TripEnder ends the trip of a docked bicycle.
type TripEnder interface {
	EndTrip(ctx context.Context, ev service.DockEvent) error
}

// Server implements DockServer.
type Server struct {
	ender  TripEnder
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(ender TripEnder, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ender: ender, logger: logger}
}

// StreamDocks ingests dock events until the station closes the stream.
func (s *Server) StreamDocks(stream Dock_StreamDocksServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if msg.SlotId == "" || msg.BicycleId == "" {
			ack.Ignored++
			dockEvents.WithLabelValues("invalid").Inc()
			continue
		}
		at := time.Now().UTC()
		if msg.Ts > 0 {
			at = time.UnixMilli(msg.Ts).UTC()
		}
		err = s.ender.EndTrip(stream.Context(), service.DockEvent{
			SlotID:    msg.SlotId,
			StationID: msg.StationId,
			BicycleID: msg.BicycleId,
			At:        at,
		})
		switch {
		case err == nil:
			ack.Accepted++
			dockEvents.WithLabelValues("trip_ended").Inc()
		case errors.Is(err, domain.ErrNoActiveTrip):
			ack.Ignored++
			dockEvents.WithLabelValues("no_trip").Inc()
			s.logger.Debug("dock without active trip", zap.String("bicycle_id", msg.BicycleId), zap.String("slot_id", msg.SlotId))
		default:
			ack.Ignored++
			dockEvents.WithLabelValues("error").Inc()
			s.logger.Warn("end trip", zap.String("bicycle_id", msg.BicycleId), zap.String("slot_id", msg.SlotId), zap.Error(err))
		}
	}
}
