// Package mode defines the assistant's agent modes and their personas.
//
// Each [Mode] maps to a [Profile]: the persona name and role presented to
// the user, the prebuilt voice used on the live channel, and the system
// instruction sent to the model on both the live and the text channel.
// [DefaultCatalog] carries the built-in network-support personas; deployments
// can override any field through configuration.
package mode

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mode identifies an agent mode.
type Mode string

const (
	// Triage is first-line support: fast fault isolation.
	Triage Mode = "TRIAGE"

	// Analyst is second-line support: deep diagnosis.
	Analyst Mode = "ANALYST"

	// Architect is third-line support: design and remediation.
	Architect Mode = "ARCHITECT"
)

// ErrUnknown is returned for mode names that are not in the catalog.
var ErrUnknown = errors.New("mode: unknown mode")

// Parse resolves a mode name case-insensitively.
func Parse(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case Triage, Analyst, Architect:
		return m, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknown, s)
}

// String returns the mode name.
func (m Mode) String() string { return string(m) }

// Profile is the per-mode configuration handed to the voice and text
// channels.
type Profile struct {
	Mode Mode

	// Name is the persona's name, e.g. "Alex".
	Name string

	// Role is a short job title, e.g. "1st Line Support (Triage)".
	Role string

	// Description is a one-line summary of what the mode is for.
	Description string

	// Voice is the prebuilt voice preset for the live channel.
	Voice string

	// Instructions is the complete system instruction text.
	Instructions string
}

// Catalog holds the profile for every mode. It is safe for concurrent use;
// [Catalog.Replace] swaps the profiles atomically on configuration reload.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[Mode]Profile
}

// NewCatalog builds a catalog from profiles. Later entries for the same mode
// replace earlier ones.
func NewCatalog(profiles ...Profile) *Catalog {
	c := &Catalog{profiles: make(map[Mode]Profile, len(profiles))}
	for _, p := range profiles {
		c.profiles[p.Mode] = p
	}
	return c
}

// Lookup returns the profile for m.
func (c *Catalog) Lookup(m Mode) (Profile, error) {
	c.mu.RLock()
	p, ok := c.profiles[m]
	c.mu.RUnlock()
	if !ok {
		return Profile{}, fmt.Errorf("%w %q", ErrUnknown, m)
	}
	return p, nil
}

// Modes returns all modes in the catalog in a stable order.
func (c *Catalog) Modes() []Mode {
	c.mu.RLock()
	out := make([]Mode, 0, len(c.profiles))
	for m := range c.profiles {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

// Override returns a copy of the catalog where non-empty fields of each
// override replace the stored values. Overrides for modes that are not in
// the catalog are added as-is.
func (c *Catalog) Override(overrides ...Profile) *Catalog {
	c.mu.RLock()
	out := &Catalog{profiles: make(map[Mode]Profile, len(c.profiles))}
	for m, p := range c.profiles {
		out.profiles[m] = p
	}
	c.mu.RUnlock()
	for _, o := range overrides {
		p := out.profiles[o.Mode]
		p.Mode = o.Mode
		if o.Name != "" {
			p.Name = o.Name
		}
		if o.Role != "" {
			p.Role = o.Role
		}
		if o.Description != "" {
			p.Description = o.Description
		}
		if o.Voice != "" {
			p.Voice = o.Voice
		}
		if o.Instructions != "" {
			p.Instructions = o.Instructions
		}
		out.profiles[o.Mode] = p
	}
	return out
}

// Replace swaps in the profiles of other and returns the modes whose profile
// changed, was added or was removed.
func (c *Catalog) Replace(other *Catalog) []Mode {
	other.mu.RLock()
	next := make(map[Mode]Profile, len(other.profiles))
	for m, p := range other.profiles {
		next[m] = p
	}
	other.mu.RUnlock()

	c.mu.Lock()
	var changed []Mode
	for m, p := range next {
		if old, ok := c.profiles[m]; !ok || old != p {
			changed = append(changed, m)
		}
	}
	for m := range c.profiles {
		if _, ok := next[m]; !ok {
			changed = append(changed, m)
		}
	}
	c.profiles = next
	c.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return rank(changed[i]) < rank(changed[j]) })
	return changed
}

func rank(m Mode) int {
	switch m {
	case Triage:
		return 0
	case Analyst:
		return 1
	case Architect:
		return 2
	default:
		return 3
	}
}
