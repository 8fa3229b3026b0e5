package sipservice

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/404-not-find/SipVoice/internal/errorutil"
	"github.com/404-not-find/SipVoice/internal/registry"
	"github.com/404-not-find/SipVoice/internal/sipevent"
)

// DefaultRejectCode is sent when RejectCall is given no status code.
const DefaultRejectCode = sipevent.StatusBusyHere

// PlaceCall asks the engine to dial number from accountID. The call shows up
// through an outgoing_call notification.
func (s *Service) PlaceCall(ctx context.Context, accountID, number string, video bool) error {
	accountID = strings.TrimSpace(accountID)
	number = strings.TrimSpace(number)
	if accountID == "" || number == "" {
		return errorutil.NewWrapperError(ErrInvalidArgument, "account and number are required")
	}
	return s.command("place_call", logrus.Fields{"account_id": accountID, "number": number}, func(e Engine) error {
		return e.MakeCall(ctx, accountID, number, video)
	})
}

// AnswerCall accepts a ringing incoming call.
func (s *Service) AnswerCall(ctx context.Context, callID int) error {
	if _, err := s.ringing(callID); err != nil {
		return err
	}
	return s.command("answer_call", logrus.Fields{"call_id": callID}, func(e Engine) error {
		return e.AcceptCall(ctx, callID)
	})
}

// RejectCall declines a ringing incoming call with a 4xx-6xx status.
// StatusNone selects DefaultRejectCode.
func (s *Service) RejectCall(ctx context.Context, callID int, code sipevent.StatusCode) error {
	if code == sipevent.StatusNone {
		code = DefaultRejectCode
	}
	if code.Class() < 4 || code.Class() > 6 {
		return errorutil.NewWrapperError(ErrInvalidArgument, "reject status %d", int(code))
	}
	if _, err := s.ringing(callID); err != nil {
		return err
	}
	return s.command("reject_call", logrus.Fields{"call_id": callID, "status": int(code)}, func(e Engine) error {
		return e.DeclineCall(ctx, callID, code)
	})
}

// HangUpCall ends a live call in any state.
func (s *Service) HangUpCall(ctx context.Context, callID int) error {
	if _, err := s.live(callID); err != nil {
		return err
	}
	return s.command("hang_up_call", logrus.Fields{"call_id": callID}, func(e Engine) error {
		return e.HangUpCall(ctx, callID)
	})
}

func (s *Service) SetHold(ctx context.Context, callID int, hold bool) error {
	if _, err := s.confirmed(callID); err != nil {
		return err
	}
	return s.command("set_hold", logrus.Fields{"call_id": callID, "hold": hold}, func(e Engine) error {
		return e.SetHold(ctx, callID, hold)
	})
}

func (s *Service) SetMute(ctx context.Context, callID int, mute bool) error {
	if _, err := s.confirmed(callID); err != nil {
		return err
	}
	return s.command("set_mute", logrus.Fields{"call_id": callID, "mute": mute}, func(e Engine) error {
		return e.SetMute(ctx, callID, mute)
	})
}

func (s *Service) SetVideoMute(ctx context.Context, callID int, mute bool) error {
	sess, err := s.confirmed(callID)
	if err != nil {
		return err
	}
	if !sess.IsVideo {
		return errorutil.NewWrapperError(ErrInvalidCallState, "call %d has no video", callID)
	}
	return s.command("set_video_mute", logrus.Fields{"call_id": callID, "mute": mute}, func(e Engine) error {
		return e.SetVideoMute(ctx, callID, mute)
	})
}

// SetCodecPriorities validates codecs and applies them through the codec
// priority coordinator, which reports the outcome as an event.
func (s *Service) SetCodecPriorities(ctx context.Context, codecs []sipevent.CodecPriority) error {
	if s.engine == nil {
		return ErrNoEngine
	}
	err := s.codecs.Apply(ctx, codecs)
	s.metrics.EngineCommand("set_codec_priorities", err)
	return err
}

func (s *Service) command(name string, fields logrus.Fields, fn func(Engine) error) error {
	if s.engine == nil {
		return ErrNoEngine
	}
	err := fn(s.engine)
	s.metrics.EngineCommand(name, err)

	entry := s.log.WithFields(fields).WithField("command", name)
	if err != nil {
		entry.WithError(err).Warn("Engine command failed")
		return err
	}
	entry.Debug("Engine command sent")
	return nil
}

func (s *Service) live(callID int) (registry.CallSession, error) {
	sess, ok := s.reg.Get(callID)
	if !ok || sess.State.Terminal() {
		return registry.CallSession{}, errorutil.NewWrapperError(ErrCallNotFound, "call %d", callID)
	}
	return sess, nil
}

func (s *Service) ringing(callID int) (registry.CallSession, error) {
	sess, err := s.live(callID)
	if err != nil {
		return sess, err
	}
	if !sess.IsIncoming() || sess.Confirmed {
		return sess, errorutil.NewWrapperError(ErrInvalidCallState, "call %d is not a ringing incoming call", callID)
	}
	return sess, nil
}

func (s *Service) confirmed(callID int) (registry.CallSession, error) {
	sess, err := s.live(callID)
	if err != nil {
		return sess, err
	}
	if sess.State != registry.StateConfirmed {
		return sess, errorutil.NewWrapperError(ErrInvalidCallState, "call %d is %s", callID, sess.State)
	}
	return sess, nil
}
