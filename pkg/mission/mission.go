// Package mission renders mission XML for the engine's environment server.
package mission

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/jrepp/simbridge/pkg/simerr"
)

// Mode is the agent's game mode
type Mode string

const (
	ModeSurvival  Mode = "Survival"
	ModeCreative  Mode = "Creative"
	ModeAdventure Mode = "Adventure"
)

// Position is an agent start placement
type Position struct {
	X, Y, Z    float64
	Yaw, Pitch float64
}

// Generator selects how the world is created.
type Generator struct {
	// Flat selects the flat generator; otherwise the default generator runs
	Flat bool

	// Options is the flat generator string, e.g. "3;7,2*3,2;1;"
	Options string

	// ForceReset regenerates the world on every episode
	ForceReset bool
}

// Config is a single-agent mission.
type Config struct {
	Summary   string
	TimeLimit time.Duration
	Seed      int64

	Generator Generator

	// StartTime is the world time in ticks; Weather is "clear", "rain" or "thunder"
	StartTime int
	Weather   string

	AgentName string
	Mode      Mode
	Start     *Position

	VideoWidth  int
	VideoHeight int

	// ChatCommands enables chat actions, which command passthrough needs
	ChatCommands bool

	// Extra handlers are raw XML fragments inserted verbatim
	ServerHandlers []string
	AgentHandlers  []string
}

// DefaultConfig returns a survival mission in the default world.
func DefaultConfig() *Config {
	return &Config{
		Summary:     "simbridge episode",
		StartTime:   6000,
		Weather:     "clear",
		AgentName:   "Agent0",
		Mode:        ModeSurvival,
		VideoWidth:  640,
		VideoHeight: 360,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.AgentName) == "" {
		errs = append(errs, "agent name cannot be empty")
	}
	switch c.Mode {
	case ModeSurvival, ModeCreative, ModeAdventure:
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", c.Mode))
	}
	if c.VideoWidth <= 0 || c.VideoHeight <= 0 {
		errs = append(errs, fmt.Sprintf("video size must be positive, got %dx%d", c.VideoWidth, c.VideoHeight))
	}
	if c.TimeLimit < 0 {
		errs = append(errs, "time limit cannot be negative")
	}
	switch c.Weather {
	case "", "clear", "rain", "thunder":
	default:
		errs = append(errs, fmt.Sprintf("unknown weather %q", c.Weather))
	}
	for _, h := range append(append([]string{}, c.ServerHandlers...), c.AgentHandlers...) {
		if err := wellFormed(h); err != nil {
			errs = append(errs, fmt.Sprintf("handler %q: %v", h, err))
		}
	}

	if len(errs) > 0 {
		return simerr.New(simerr.CodeInvalidConfiguration, "invalid mission: "+strings.Join(errs, "; "))
	}
	return nil
}

// wellFormed rejects fragments that would break the surrounding document.
func wellFormed(fragment string) error {
	d := xml.NewDecoder(strings.NewReader("<x>" + fragment + "</x>"))
	for {
		_, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Render writes the mission XML to w.
func (c *Config) Render(w io.Writer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return missionTemplate.Execute(w, c)
}

// XML returns the rendered mission.
func (c *Config) XML() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TimeLimitMs is the time limit in milliseconds, 0 for none
func (c *Config) TimeLimitMs() int64 {
	return c.TimeLimit.Milliseconds()
}

func escape(v any) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(fmt.Sprint(v)))
	return buf.String()
}

var missionTemplate = template.Must(template.New("mission").
	Funcs(template.FuncMap{"esc": escape}).
	Parse(missionXML))

const missionXML = `<?xml version="1.0" encoding="UTF-8" standalone="no" ?>
<Mission xmlns="http://ProjectMalmo.microsoft.com" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <About>
    <Summary>{{esc .Summary}}</Summary>
  </About>
  <ServerSection>
    <ServerInitialConditions>
      <Time>
        <StartTime>{{.StartTime}}</StartTime>
      </Time>
{{- if .Weather}}
      <Weather>{{esc .Weather}}</Weather>
{{- end}}
    </ServerInitialConditions>
    <ServerHandlers>
{{- if .Generator.Flat}}
      <FlatWorldGenerator generatorString="{{esc .Generator.Options}}" forceReset="{{.Generator.ForceReset}}"/>
{{- else if .Seed}}
      <DefaultWorldGenerator seed="{{.Seed}}" forceReset="{{.Generator.ForceReset}}"/>
{{- else}}
      <DefaultWorldGenerator forceReset="{{.Generator.ForceReset}}"/>
{{- end}}
{{- if .TimeLimitMs}}
      <ServerQuitFromTimeUp timeLimitMs="{{.TimeLimitMs}}"/>
{{- end}}
{{- range .ServerHandlers}}
      {{.}}
{{- end}}
      <ServerQuitWhenAnyAgentFinishes/>
    </ServerHandlers>
  </ServerSection>
  <AgentSection mode="{{esc .Mode}}">
    <Name>{{esc .AgentName}}</Name>
    <AgentStart>
{{- with .Start}}
      <Placement x="{{.X}}" y="{{.Y}}" z="{{.Z}}" yaw="{{.Yaw}}" pitch="{{.Pitch}}"/>
{{- end}}
    </AgentStart>
    <AgentHandlers>
      <VideoProducer want_depth="false">
        <Width>{{.VideoWidth}}</Width>
        <Height>{{.VideoHeight}}</Height>
      </VideoProducer>
{{- if .ChatCommands}}
      <ChatCommands/>
{{- end}}
{{- range .AgentHandlers}}
      {{.}}
{{- end}}
    </AgentHandlers>
  </AgentSection>
</Mission>
`
