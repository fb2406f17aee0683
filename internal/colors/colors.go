package colors

import (
	"math/rand"
	"sync"
)

// Cursor palette. Hand-picked for contrast against a dark editor theme.
var palette = []string{
	"#f44336", "#e91e63", "#9c27b0", "#673ab7",
	"#3f51b5", "#2196f3", "#00bcd4", "#009688",
	"#4caf50", "#8bc34a", "#ffc107", "#ff9800",
}

// Picker hands out cursor colors for joining participants. Picks are
// pseudo-random and uncoordinated across clients, so two participants may end
// up with the same color; that is accepted, not corrected.
type Picker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPicker creates a picker from a seed. Fixed seeds give reproducible picks.
func NewPicker(seed int64) *Picker {
	return &Picker{rng: rand.New(rand.NewSource(seed))}
}

// Pick returns the next color.
func (p *Picker) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return palette[p.rng.Intn(len(palette))]
}

// Palette returns the full color set.
func Palette() []string {
	out := make([]string, len(palette))
	copy(out, palette)
	return out
}
