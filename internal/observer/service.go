package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/FreeKopcap/meshcore-analyzer/internal/bus"
	"github.com/FreeKopcap/meshcore-analyzer/internal/events"
	"github.com/FreeKopcap/meshcore-analyzer/internal/transport"
)

const (
	// Command enabling the observer's packet log stream.
	logStartCommand = "log start"

	initialBackoff = time.Second
	maxBackoff     = 15 * time.Second
)

// Service drives the observer link: connects, enables logging, reads log
// lines and publishes parsed events. Reconnects with backoff until the
// context is cancelled.
type Service struct {
	logger    *slog.Logger
	transport transport.Transport
	bus       bus.MessageBus
}

func NewService(logger *slog.Logger, b bus.MessageBus, tr transport.Transport) *Service {
	return &Service{
		logger:    logger,
		transport: tr,
		bus:       b,
	}
}

// Run blocks until ctx is cancelled. Transport failures trigger reconnect
// attempts rather than ending the run.
func (s *Service) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			s.publishStatus(events.ConnectionStateDisconnected, nil)
			return
		}

		s.publishStatus(events.ConnectionStateConnecting, nil)
		if err := s.transport.Connect(ctx); err != nil {
			s.publishStatus(events.ConnectionStateReconnecting, err)
			s.logger.Error("transport connect failed", "error", err)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		backoff = initialBackoff
		s.publishStatus(events.ConnectionStateConnected, nil)
		if err := s.transport.WriteCommand(ctx, logStartCommand); err != nil {
			s.logger.Warn("enable packet log failed", "error", err)
		}

		err := s.readLoop(ctx)
		if closeErr := s.transport.Close(); closeErr != nil {
			s.logger.Warn("close transport", "error", closeErr)
		}
		if ctx.Err() != nil {
			s.publishStatus(events.ConnectionStateDisconnected, nil)
			return
		}

		s.publishStatus(events.ConnectionStateReconnecting, err)
		s.logger.Warn("observer link lost", "error", err)
		if !sleepWithContext(ctx, backoff) {
			return
		}
	}
}

func (s *Service) readLoop(ctx context.Context) error {
	for {
		line, err := s.transport.ReadLine(ctx)
		if err != nil {
			return err
		}
		s.handleLine(line)
	}
}

func (s *Service) handleLine(line string) {
	event, kind := ParseLine(line)
	switch kind {
	case LineRx:
		s.bus.Publish(events.TopicRxReport, event)
	case LineTx:
		s.bus.Publish(events.TopicTxReport, event)
	case LineRaw:
		s.bus.Publish(events.TopicRawFrame, event)
	case LineMalformed:
		s.logger.Debug("malformed observer line", "line", line)
		s.bus.Publish(events.TopicLineDiag, event)
	default:
		s.bus.Publish(events.TopicLineDiag, event)
	}
}

func (s *Service) publishStatus(state events.ConnectionState, err error) {
	status := events.ConnectionStatus{
		State:     state,
		Port:      s.transport.Name(),
		Timestamp: time.Now(),
	}
	if resolver, ok := s.transport.(interface{ PortName() string }); ok {
		status.Port = resolver.PortName()
	}
	if err != nil {
		status.Err = err.Error()
	}
	s.bus.Publish(events.TopicConnStatus, status)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
