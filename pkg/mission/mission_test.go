package mission

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/jrepp/simbridge/pkg/simerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parsed mirrors the parts of the mission document the tests look at
type parsed struct {
	XMLName xml.Name `xml:"Mission"`
	Summary string   `xml:"About>Summary"`
	Server  struct {
		Flat *struct {
			Options string `xml:"generatorString,attr"`
		} `xml:"ServerHandlers>FlatWorldGenerator"`
		Default *struct {
			Seed string `xml:"seed,attr"`
		} `xml:"ServerHandlers>DefaultWorldGenerator"`
		TimeUp *struct {
			Ms int64 `xml:"timeLimitMs,attr"`
		} `xml:"ServerHandlers>ServerQuitFromTimeUp"`
	} `xml:"ServerSection"`
	Agent struct {
		Mode      string `xml:"mode,attr"`
		Name      string `xml:"Name"`
		Placement *struct {
			X float64 `xml:"x,attr"`
			Y float64 `xml:"y,attr"`
		} `xml:"AgentStart>Placement"`
		Width  int       `xml:"AgentHandlers>VideoProducer>Width"`
		Height int       `xml:"AgentHandlers>VideoProducer>Height"`
		Chat   *struct{} `xml:"AgentHandlers>ChatCommands"`
		Reward *struct{} `xml:"AgentHandlers>RewardForTouchingBlockType"`
	} `xml:"AgentSection"`
}

func render(t *testing.T, cfg *Config) parsed {
	t.Helper()
	out, err := cfg.XML()
	require.NoError(t, err)

	var p parsed
	require.NoError(t, xml.Unmarshal(out, &p), string(out))
	return p
}

func TestRender_Defaults(t *testing.T) {
	p := render(t, DefaultConfig())

	assert.Equal(t, "simbridge episode", p.Summary)
	assert.Equal(t, "Survival", p.Agent.Mode)
	assert.Equal(t, "Agent0", p.Agent.Name)
	assert.Equal(t, 640, p.Agent.Width)
	assert.Equal(t, 360, p.Agent.Height)
	assert.Nil(t, p.Agent.Chat)
	assert.Nil(t, p.Agent.Placement)
	assert.Nil(t, p.Server.TimeUp)
	require.NotNil(t, p.Server.Default)
	assert.Empty(t, p.Server.Default.Seed)
}

func TestBuilder_FullMission(t *testing.T) {
	cfg, err := NewBuilder().
		WithSummary(`wood & "stone" <fast>`).
		WithTimeLimit(90*time.Second).
		WithFlatWorld("3;7,2*3,2;1;").
		WithAgentName("Steve").
		WithMode(ModeCreative).
		WithStart(0.5, 4, 0.5, 90, 0).
		WithVideoSize(64, 64).
		WithChatCommands().
		WithAgentHandler(`<RewardForTouchingBlockType><Block reward="1" type="log"/></RewardForTouchingBlockType>`).
		Build()
	require.NoError(t, err)

	p := render(t, cfg)
	assert.Equal(t, `wood & "stone" <fast>`, p.Summary, "text is escaped and round-trips")
	require.NotNil(t, p.Server.Flat)
	assert.Equal(t, "3;7,2*3,2;1;", p.Server.Flat.Options)
	assert.Nil(t, p.Server.Default)
	require.NotNil(t, p.Server.TimeUp)
	assert.Equal(t, int64(90000), p.Server.TimeUp.Ms)
	assert.Equal(t, "Creative", p.Agent.Mode)
	assert.Equal(t, "Steve", p.Agent.Name)
	require.NotNil(t, p.Agent.Placement)
	assert.Equal(t, 4.0, p.Agent.Placement.Y)
	assert.Equal(t, 64, p.Agent.Width)
	assert.NotNil(t, p.Agent.Chat)
	assert.NotNil(t, p.Agent.Reward)
}

func TestBuilder_Seed(t *testing.T) {
	cfg := NewBuilder().WithSeed(12345).MustBuild()
	p := render(t, cfg)
	require.NotNil(t, p.Server.Default)
	assert.Equal(t, "12345", p.Server.Default.Seed)
}

func TestBuilder_FirstErrorWins(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		want    string
	}{
		{"negative time limit", NewBuilder().WithTimeLimit(-time.Second), "time limit"},
		{"empty flat", NewBuilder().WithFlatWorld(""), "flat world"},
		{"bad video", NewBuilder().WithVideoSize(0, 10), "video size"},
		{"bad weather", NewBuilder().WithWeather("snow"), "weather"},
		{"bad start time", NewBuilder().WithStartTime(30000), "start time"},
		{"empty agent", NewBuilder().WithAgentName(""), "agent name"},
		{"broken handler", NewBuilder().WithAgentHandler("<Open>"), "well-formed"},
		{"sticky", NewBuilder().WithVideoSize(-1, -1).WithAgentName(""), "video size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_InvalidMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "Spectator"

	_, err := cfg.XML()
	require.Error(t, err)
	assert.True(t, simerr.IsCode(err, simerr.CodeInvalidConfiguration))
}

func TestMustBuild_Panics(t *testing.T) {
	assert.Panics(t, func() { NewBuilder().WithAgentName("").MustBuild() })
}

func TestRender_ServerHandlersBeforeQuit(t *testing.T) {
	cfg := NewBuilder().WithServerHandler(`<ServerQuitWhenAnyAgentFinishes description="x"/>`).MustBuild()
	out, err := cfg.XML()
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(out), "ServerQuitWhenAnyAgentFinishes"))
}
