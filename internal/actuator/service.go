package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-rover/internal/bus"
	"github.com/loqalabs/loqa-rover/internal/command"
	"github.com/loqalabs/loqa-rover/internal/protocol"
	"github.com/loqalabs/loqa-rover/internal/pwm"
	"github.com/nats-io/nats.go"
)

// Service answers direct drive and servo requests arriving on the bus.
type Service struct {
	act    *Actuator
	bus    *bus.Client
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, act *Actuator, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		act:    act,
		bus:    busClient,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "drive-service")),
	}
}

func (s *Service) Start() error {
	moveSub, err := s.bus.Conn().Subscribe(protocol.SubjectDriveMove, s.handleMove)
	if err != nil {
		return fmt.Errorf("subscribe move requests: %w", err)
	}
	s.subs = append(s.subs, moveSub)

	servoSub, err := s.bus.Conn().Subscribe(protocol.SubjectDriveServo, s.handleServo)
	if err != nil {
		_ = moveSub.Drain()
		return fmt.Errorf("subscribe servo requests: %w", err)
	}
	s.subs = append(s.subs, servoSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) == 2 }

func (s *Service) handleMove(msg *nats.Msg) {
	var req protocol.MoveRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, fmt.Errorf("%w: %v", command.ErrUnknownMovement, err))
		return
	}
	move, err := command.ParseMovement(req.Command)
	if err != nil {
		s.reply(msg, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.act.Move(s.ctx, move)
		if err != nil {
			s.logger.Warn("direct move failed", slog.String("movement", move.String()), slogError(err))
		}
		s.reply(msg, err)
	}()
}

func (s *Service) handleServo(msg *nats.Msg) {
	var req protocol.ServoRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, fmt.Errorf("%w: %v", ErrUnknownServo, err))
		return
	}
	err := s.act.SetServo(req.Channel, req.Angle)
	if err != nil {
		s.logger.Warn("direct servo command failed", slog.String("servo", req.Channel), slogError(err))
	}
	s.reply(msg, err)
}

func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	if err := bus.Respond(msg, ReplyFor(err)); err != nil {
		s.logger.Warn("failed to reply to drive request", slogError(err))
	}
}

// ReplyFor maps an actuation error onto a command reply.
func ReplyFor(err error) protocol.CommandReply {
	if err == nil {
		return protocol.CommandReply{OK: true}
	}
	return protocol.CommandReply{Code: ErrorCode(err), Error: err.Error()}
}

// ErrorCode classifies an actuation error for transports.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, pwm.ErrHardware):
		return protocol.CodeHardware
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeCancelled
	case errors.Is(err, command.ErrUnknownMovement), errors.Is(err, ErrUnknownServo), errors.Is(err, pwm.ErrInvalidChannel):
		return protocol.CodeInvalid
	}
	return protocol.CodeHardware
}
