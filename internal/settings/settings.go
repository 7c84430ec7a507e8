// Package settings computes the effective agent settings for a run:
// autonomy level, model identifier, and git sync flags. Overrides take
// precedence over session-stored values, which take precedence over the
// process-wide defaults captured at startup.
package settings

import (
	"errors"
	"fmt"
	"strings"
)

// Level is the autonomy tier controlling which tool calls the agent may
// execute without explicit approval.
type Level string

const (
	LevelOff    Level = "off"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
	LevelUnsafe Level = "unsafe"
)

var ErrInvalidAutonomy = errors.New("invalid autonomy level")

// ParseLevel validates a user-supplied autonomy level, case-insensitively.
// Anything outside the five defined levels fails with ErrInvalidAutonomy so
// callers can leave the prior value unchanged.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelOff:
		return LevelOff, nil
	case LevelLow:
		return LevelLow, nil
	case LevelMedium:
		return LevelMedium, nil
	case LevelHigh:
		return LevelHigh, nil
	case LevelUnsafe:
		return LevelUnsafe, nil
	default:
		return "", fmt.Errorf("%w: %q (expected off|low|medium|high|unsafe)", ErrInvalidAutonomy, s)
	}
}

// AutoAllows reports whether a permission request should be granted without
// asking the user. Unsafe allows everything; high allows tools that do not
// mutate anything outside the working tree.
func (l Level) AutoAllows(destructive bool) bool {
	switch l {
	case LevelUnsafe:
		return true
	case LevelHigh:
		return !destructive
	default:
		return false
	}
}

// AutoDenies reports whether tool execution is disabled outright.
func (l Level) AutoDenies() bool {
	return l == LevelOff
}

// Valid reports whether l is one of the five defined levels.
func (l Level) Valid() bool {
	switch l {
	case LevelOff, LevelLow, LevelMedium, LevelHigh, LevelUnsafe:
		return true
	}
	return false
}

// modelShortcuts maps short names to full model identifiers. Unknown input
// passes through verbatim so new models work without a code change.
var modelShortcuts = map[string]string{
	"opus":   "claude-opus-4-1",
	"sonnet": "claude-sonnet-4-5",
	"haiku":  "claude-haiku-4-5",
}

// ExpandModel resolves a model shortcut to its full identifier.
func ExpandModel(name string) string {
	name = strings.TrimSpace(name)
	if full, ok := modelShortcuts[strings.ToLower(name)]; ok {
		return full
	}
	return name
}

// Defaults is the immutable process-wide baseline, constructed once at
// startup from configuration.
type Defaults struct {
	Autonomy Level
	Model    string
	Pull     bool
	Push     bool
}

// Effective is a fully resolved settings snapshot. Snapshots captured at
// enqueue time are never mutated afterwards, decoupling queued work from
// later default changes.
type Effective struct {
	Autonomy Level  `json:"autonomy"`
	Model    string `json:"model"`
	Pull     bool   `json:"pull"`
	Push     bool   `json:"push"`
}

// Stored is the per-session view the resolver consumes. Empty strings and
// nil pointers mean "not set at this layer".
type Stored struct {
	Autonomy Level
	Model    string
	Pull     *bool
	Push     *bool
}

// Overrides carries per-command or per-task settings that beat both the
// session and the defaults.
type Overrides struct {
	Autonomy Level
	Model    string
	Pull     *bool
	Push     *bool
}

// Resolve layers overrides over session settings over defaults. With no
// overrides and a fully populated session it returns exactly the session's
// stored settings.
func Resolve(defaults Defaults, sess Stored, over Overrides) Effective {
	eff := Effective{
		Autonomy: defaults.Autonomy,
		Model:    defaults.Model,
		Pull:     defaults.Pull,
		Push:     defaults.Push,
	}
	if sess.Autonomy.Valid() {
		eff.Autonomy = sess.Autonomy
	}
	if strings.TrimSpace(sess.Model) != "" {
		eff.Model = sess.Model
	}
	if sess.Pull != nil {
		eff.Pull = *sess.Pull
	}
	if sess.Push != nil {
		eff.Push = *sess.Push
	}
	if over.Autonomy.Valid() {
		eff.Autonomy = over.Autonomy
	}
	if strings.TrimSpace(over.Model) != "" {
		eff.Model = over.Model
	}
	if over.Pull != nil {
		eff.Pull = *over.Pull
	}
	if over.Push != nil {
		eff.Push = *over.Push
	}
	eff.Model = ExpandModel(eff.Model)
	return eff
}
