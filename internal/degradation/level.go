package degradation

import (
	"fmt"
	"strings"
)

// Level is a discrete operating mode ordered by severity.
type Level int

const (
	Optimal Level = iota
	Light
	Moderate
	Heavy
	Critical
)

// NumLevels is the number of degradation levels.
const NumLevels = int(Critical) + 1

var levelNames = [NumLevels]string{"optimal", "light", "moderate", "heavy", "critical"}

// Levels lists every level from least to most severe.
func Levels() []Level {
	return []Level{Optimal, Light, Moderate, Heavy, Critical}
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= Optimal && l <= Critical
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid degradation level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel resolves a level name, case-insensitively.
func ParseLevel(name string) (Level, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for i, n := range levelNames {
		if n == needle {
			return Level(i), nil
		}
	}
	return Optimal, fmt.Errorf("unknown degradation level %q", name)
}

// Dimension names a metric that can drive the level.
type Dimension string

const (
	DimensionMemory    Dimension = "memory"
	DimensionLatency   Dimension = "latency"
	DimensionTokenRate Dimension = "token_rate"
)

// Thresholds holds one boundary per level, indexed by Level. The Optimal
// entry is the nominal operating value and never triggers degradation.
type Thresholds [NumLevels]float64

// levelAscending returns the most severe level whose threshold v has reached.
func (t Thresholds) levelAscending(v float64) Level {
	for l := Critical; l > Optimal; l-- {
		if v >= t[l] {
			return l
		}
	}
	return Optimal
}

// levelDescending is levelAscending for metrics where lower is worse.
func (t Thresholds) levelDescending(v float64) Level {
	for l := Critical; l > Optimal; l-- {
		if v <= t[l] {
			return l
		}
	}
	return Optimal
}

func thresholdsFrom(values []float64) Thresholds {
	var t Thresholds
	copy(t[:], values)
	return t
}
