package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/jrepp/simbridge/pkg/simerr"
)

// Control messages sent by the bridge.
const (
	QuitMessage       = "<Quit/>"
	PeekMessage       = "<Peek/>"
	StepServerMessage = "<StepServer></StepServer>"

	// stepOptions selects the step reply layout: no turn key, no info in
	// the reward record.
	stepOptions = 0

	// StatusOK and StatusBusy are handshake and quit replies.
	StatusOK   = 1
	StatusBusy = 0

	stepRecordSize = 10
	doneRecordSize = 1

	// POVKey holds the raw observation bytes in an Observation.
	POVKey = "pov"
)

// Observation is the engine's auxiliary info with the raw frame under "pov".
type Observation map[string]any

// POV returns the raw observation bytes
func (o Observation) POV() []byte {
	b, _ := o[POVKey].([]byte)
	return b
}

// StepMessage wraps an action for the client step.
func StepMessage(action string) string {
	return fmt.Sprintf("<StepClient%d>%s</StepClient%d >", stepOptions, action, stepOptions)
}

// Token is the episode token sent after the mission.
func Token(episodeID string, role, agents int, seed *int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%d:0:%d:true", episodeID, role, agents)
	if seed != nil {
		fmt.Fprintf(&b, ":%d", *seed)
	}
	return b.String()
}

// StepRecord is the fixed record that follows a step observation.
type StepRecord struct {
	Reward float64
	Done   bool
	Sent   bool
}

// ParseStepRecord decodes the big-endian (float64, int8, int8) record.
func ParseStepRecord(b []byte) (StepRecord, error) {
	if len(b) != stepRecordSize {
		return StepRecord{}, simerr.Newf(simerr.CodeProtocolError,
			"step record is %d bytes, want %d", len(b), stepRecordSize)
	}
	return StepRecord{
		Reward: math.Float64frombits(binary.BigEndian.Uint64(b[:8])),
		Done:   b[8] == 1,
		Sent:   b[9] == 1,
	}, nil
}

// EncodeStepRecord is the inverse of ParseStepRecord.
func EncodeStepRecord(r StepRecord) []byte {
	b := make([]byte, stepRecordSize)
	binary.BigEndian.PutUint64(b[:8], math.Float64bits(r.Reward))
	if r.Done {
		b[8] = 1
	}
	if r.Sent {
		b[9] = 1
	}
	return b
}

// parseDone decodes the one-byte done flag that closes a peek.
func parseDone(b []byte) (bool, error) {
	if len(b) != doneRecordSize {
		return false, simerr.Newf(simerr.CodeProtocolError,
			"done record is %d bytes, want %d", len(b), doneRecordSize)
	}
	return b[0] == 1, nil
}

// parseInfo decodes the info blob; an empty blob is an empty object.
func parseInfo(info, pov []byte) (Observation, error) {
	obs := Observation{}
	if len(strings.TrimSpace(string(info))) > 0 {
		if err := json.Unmarshal(info, &obs); err != nil {
			return nil, simerr.Wrap(simerr.CodeProtocolError, err, "decode info json")
		}
		if obs == nil {
			obs = Observation{}
		}
	}
	obs[POVKey] = pov
	return obs, nil
}
