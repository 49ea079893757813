package mission

import (
	"fmt"
	"time"
)

// Builder provides a fluent interface for constructing a mission Config.
//
// Usage:
//
//	cfg, err := mission.NewBuilder().
//	    WithSummary("collect wood").
//	    WithTimeLimit(5 * time.Minute).
//	    WithFlatWorld("3;7,2*3,2;1;").
//	    WithChatCommands().
//	    Build()
//
// The first invalid value is kept and returned by Build; later calls are
// no-ops.
type Builder struct {
	config *Config
	err    error
}

// NewBuilder starts from DefaultConfig.
func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithSummary sets the mission summary
func (b *Builder) WithSummary(summary string) *Builder {
	if b.err != nil {
		return b
	}
	b.config.Summary = summary
	return b
}

// WithTimeLimit ends the episode after d of game time.
func (b *Builder) WithTimeLimit(d time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if d < 0 {
		b.err = fmt.Errorf("time limit cannot be negative, got %v", d)
		return b
	}
	b.config.TimeLimit = d
	return b
}

// WithSeed sets the world seed for the default generator
func (b *Builder) WithSeed(seed int64) *Builder {
	if b.err != nil {
		return b
	}
	b.config.Seed = seed
	return b
}

// WithFlatWorld selects the flat world generator.
func (b *Builder) WithFlatWorld(options string) *Builder {
	if b.err != nil {
		return b
	}
	if options == "" {
		b.err = fmt.Errorf("flat world generator string cannot be empty")
		return b
	}
	b.config.Generator = Generator{Flat: true, Options: options, ForceReset: b.config.Generator.ForceReset}
	return b
}

// WithForceReset regenerates the world for every episode
func (b *Builder) WithForceReset() *Builder {
	if b.err != nil {
		return b
	}
	b.config.Generator.ForceReset = true
	return b
}

// WithStartTime sets the world time in ticks (0-24000)
func (b *Builder) WithStartTime(ticks int) *Builder {
	if b.err != nil {
		return b
	}
	if ticks < 0 || ticks > 24000 {
		b.err = fmt.Errorf("start time must be within 0-24000 ticks, got %d", ticks)
		return b
	}
	b.config.StartTime = ticks
	return b
}

// WithWeather sets the initial weather
func (b *Builder) WithWeather(weather string) *Builder {
	if b.err != nil {
		return b
	}
	switch weather {
	case "clear", "rain", "thunder":
	default:
		b.err = fmt.Errorf("unknown weather %q", weather)
		return b
	}
	b.config.Weather = weather
	return b
}

// WithAgentName sets the agent's in-game name
func (b *Builder) WithAgentName(name string) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = fmt.Errorf("agent name cannot be empty")
		return b
	}
	b.config.AgentName = name
	return b
}

// WithMode sets the game mode
func (b *Builder) WithMode(mode Mode) *Builder {
	if b.err != nil {
		return b
	}
	b.config.Mode = mode
	return b
}

// WithStart places the agent at a fixed position.
func (b *Builder) WithStart(x, y, z, yaw, pitch float64) *Builder {
	if b.err != nil {
		return b
	}
	b.config.Start = &Position{X: x, Y: y, Z: z, Yaw: yaw, Pitch: pitch}
	return b
}

// WithVideoSize sets the observation frame size in pixels.
func (b *Builder) WithVideoSize(width, height int) *Builder {
	if b.err != nil {
		return b
	}
	if width <= 0 || height <= 0 {
		b.err = fmt.Errorf("video size must be positive, got %dx%d", width, height)
		return b
	}
	b.config.VideoWidth = width
	b.config.VideoHeight = height
	return b
}

// WithChatCommands enables chat actions
func (b *Builder) WithChatCommands() *Builder {
	if b.err != nil {
		return b
	}
	b.config.ChatCommands = true
	return b
}

// WithServerHandler appends a raw server handler fragment
func (b *Builder) WithServerHandler(fragment string) *Builder {
	if b.err != nil {
		return b
	}
	if err := wellFormed(fragment); err != nil {
		b.err = fmt.Errorf("server handler is not well-formed XML: %w", err)
		return b
	}
	b.config.ServerHandlers = append(b.config.ServerHandlers, fragment)
	return b
}

// WithAgentHandler appends a raw agent handler fragment
func (b *Builder) WithAgentHandler(fragment string) *Builder {
	if b.err != nil {
		return b
	}
	if err := wellFormed(fragment); err != nil {
		b.err = fmt.Errorf("agent handler is not well-formed XML: %w", err)
		return b
	}
	b.config.AgentHandlers = append(b.config.AgentHandlers, fragment)
	return b
}

// Build validates and returns the configuration.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// MustBuild is Build that panics on error
func (b *Builder) MustBuild() *Config {
	cfg, err := b.Build()
	if err != nil {
		panic(err)
	}
	return cfg
}
