package engine

import (
	"strconv"
	"strings"
)

// ReadinessScanner watches engine output for the startup markers. Only the
// client marker completes readiness; the server marker is recorded for
// multi-agent setups but never waited on.
type ReadinessScanner struct {
	markers Markers

	Port        int
	ClientReady bool
	ServerReady bool
}

// NewReadinessScanner creates a scanner for the given markers.
func NewReadinessScanner(m Markers) *ReadinessScanner {
	return &ReadinessScanner{markers: m}
}

// Feed inspects one line and reports whether the engine is now ready.
func (s *ReadinessScanner) Feed(line string) bool {
	if s.markers.Port != "" {
		if idx := strings.LastIndex(line, s.markers.Port); idx >= 0 {
			raw := strings.TrimSpace(line[idx+len(s.markers.Port):])
			if port, err := strconv.Atoi(raw); err == nil {
				s.Port = port
			}
		}
	}
	if s.markers.ServerReady != "" && strings.Contains(line, s.markers.ServerReady) {
		s.ServerReady = true
	}
	if strings.Contains(line, s.markers.ClientReady) {
		s.ClientReady = true
	}
	return s.ClientReady
}
