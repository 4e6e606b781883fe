package crdt

import (
	"encoding/json"
	"strings"
)

// Strategy identifies the conflict resolution discipline applied to a
// document's mutations.
type Strategy uint8

const (
	// StrategyLWW resolves conflicts by last writer wins.
	StrategyLWW Strategy = iota
	// StrategyCounter holds convergent counter values.
	StrategyCounter
	// StrategySet holds add/remove set elements.
	StrategySet
	// StrategyMap holds a nested map with last writer wins per key.
	StrategyMap
	// StrategyText holds collaborative text backed by the text engine.
	StrategyText
)

// DefaultStrategy is applied when a document is created without an
// explicit strategy.
const DefaultStrategy = StrategyLWW

// String returns the canonical name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyCounter:
		return "crdt-counter"
	case StrategySet:
		return "crdt-set"
	case StrategyMap:
		return "crdt-map"
	case StrategyText:
		return "crdt-text"
	default:
		return "lww"
	}
}

// ParseStrategy parses a strategy name. Names are case-insensitive and
// the crdt- prefix may be dropped.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "lww":
		return StrategyLWW, nil
	case "crdt-counter", "counter":
		return StrategyCounter, nil
	case "crdt-set", "set":
		return StrategySet, nil
	case "crdt-map", "map":
		return StrategyMap, nil
	case "crdt-text", "text":
		return StrategyText, nil
	}
	return StrategyLWW, ErrUnknownStrategy{Name: name}
}

// MarshalJSON returns the canonical name as a JSON string.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a strategy from a JSON string.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
