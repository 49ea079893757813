package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jrepp/simbridge/pkg/engine"
	"github.com/jrepp/simbridge/pkg/simerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// sendMission hands the mission and token to the engine, resending while
// the engine reports busy until the handshake budget runs out.
func (s *Session) sendMission(ctx context.Context, inst *engine.Instance, mission []byte, token string, log *slog.Logger) error {
	start := time.Now()
	limiter := rate.NewLimiter(rate.Every(s.cfg.BusyInterval), 1)
	limiter.Allow()

	log.Debug("sending mission", "instance", inst.ID(), "token", token)
	for attempt := 1; ; attempt++ {
		if err := inst.Send(mission); err != nil {
			return err
		}
		if err := inst.Send([]byte(token)); err != nil {
			return err
		}
		code, err := inst.ReceiveStatus()
		if err != nil {
			return err
		}
		if code == StatusOK {
			return nil
		}

		s.metrics.HandshakeBusy()
		if time.Since(start) > s.cfg.HandshakeBudget {
			return simerr.Newf(simerr.CodeHandshakeTimeout, "engine stayed busy for %s", s.cfg.HandshakeBudget).
				WithContext("instance_id", inst.ID()).
				WithContext("attempts", attempt)
		}
		log.Debug("engine busy, trying again", "instance", inst.ID(), "attempt", attempt)
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
}

// peek reads the first observation of every instance. A done flag on the
// first frame means the mission could not start and is fatal.
func (s *Session) peek(log *slog.Logger) (Observation, error) {
	var first Observation
	anyDone := false
	for idx, inst := range s.instances {
		if err := inst.Send([]byte(PeekMessage)); err != nil {
			return nil, err
		}
		pov, err := inst.Receive()
		if err != nil {
			return nil, err
		}
		info, err := inst.Receive()
		if err != nil {
			return nil, err
		}
		rec, err := inst.Receive()
		if err != nil {
			return nil, err
		}
		done, err := parseDone(rec)
		if err != nil {
			return nil, err
		}
		anyDone = anyDone || done

		obs, err := parseInfo(info, pov)
		if err != nil {
			return nil, err
		}
		if idx == 0 {
			first = obs
		}
	}

	if anyDone {
		log.Error("done was set on the first frame")
		return nil, simerr.New(simerr.CodeFirstFrameDone, "engine reported done on the first frame").
			WithSuggestion("check the mission for quit conditions that hold at spawn")
	}
	return first, nil
}

// Step sends one action and returns the resulting observation. A transport
// failure terminates the session and yields an unsuccessful result carrying
// the previous observation; it is not returned as an error.
func (s *Session) Step(ctx context.Context, action string) (StepResult, error) {
	switch st := s.State(); st {
	case StateTerminated:
		return StepResult{}, simerr.New(simerr.CodeEpisodeTerminated, "episode has terminated; call Reset").
			WithContext("episode_id", s.EpisodeID())
	case StateStepping:
	default:
		return StepResult{}, simerr.Newf(simerr.CodeInvalidState, "cannot step in state %s", st)
	}

	_, span := s.tracer.Start(ctx, "bridge.Step")
	defer span.End()
	start := time.Now()

	var (
		obs     Observation
		anyDone bool
	)
	for idx, inst := range s.instances {
		got, done, err := s.stepClient(inst, action)
		if err != nil {
			s.setState(StateTerminated)
			s.metrics.StepDuration(time.Since(start), false)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.log.Error("failed to take a step", "instance", inst.ID(), "error", err)
			return StepResult{Success: false, Done: true, Observation: s.last}, nil
		}
		anyDone = anyDone || done
		if idx == 0 {
			obs = got
		}
	}

	if err := s.instances[0].Send([]byte(StepServerMessage)); err != nil {
		anyDone = true
		s.log.Error("failed to step the server", "error", err)
	}

	s.mu.Lock()
	s.last = obs
	if anyDone {
		s.state = StateTerminated
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.Bool("episode.done", anyDone))
	s.metrics.StepDuration(time.Since(start), true)
	return StepResult{Success: true, Done: anyDone, Observation: obs}, nil
}

func (s *Session) stepClient(inst *engine.Instance, action string) (Observation, bool, error) {
	if err := inst.Send([]byte(StepMessage(action))); err != nil {
		return nil, false, err
	}
	pov, err := inst.Receive()
	if err != nil {
		return nil, false, err
	}
	raw, err := inst.Receive()
	if err != nil {
		return nil, false, err
	}
	rec, err := ParseStepRecord(raw)
	if err != nil {
		return nil, false, err
	}
	info, err := inst.Receive()
	if err != nil {
		return nil, false, err
	}
	obs, err := parseInfo(info, pov)
	if err != nil {
		return nil, false, err
	}
	return obs, rec.Done, nil
}

// Commands accepted by Execute.
var allowedCommands = map[string]bool{
	"summon":        true,
	"kill":          true,
	"time":          true,
	"weather":       true,
	"replaceitem":   true,
	"tp":            true,
	"clear":         true,
	"setblock":      true,
	"spreadplayers": true,
}

// ValidateCommand checks a chat command such as "/time set day".
func ValidateCommand(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 || !strings.HasPrefix(command, "/") || !allowedCommands[strings.TrimPrefix(fields[0], "/")] {
		return simerr.Newf(simerr.CodeInvalidCommand, "invalid command %q", command).
			WithSuggestion("commands start with / and use one of summon, kill, time, weather, replaceitem, tp, clear, setblock, spreadplayers")
	}
	return nil
}

// Execute runs a chat command as a single step.
func (s *Session) Execute(ctx context.Context, command string) (StepResult, error) {
	if err := ValidateCommand(command); err != nil {
		return StepResult{}, err
	}
	return s.Step(ctx, "chat "+command)
}
