package watch

import (
	"strings"
	"time"
)

// Ticker rotates one frame per successful poll. A frozen ticker means the
// socket stopped answering.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Activity lights up when a new journal entry appears and fades over the
// following polls.
type Activity struct {
	dots int
	last time.Time
}

func (a *Activity) OnLaunch(at time.Time) {
	a.dots = 5
	a.last = at
}

// Decay fades the dots based on time since the last entry.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	elapsed := now.Sub(a.last)
	switch {
	case elapsed > 10*time.Second:
		a.dots = 0
	case elapsed > 8*time.Second:
		a.dots = 1
	case elapsed > 6*time.Second:
		a.dots = 2
	case elapsed > 4*time.Second:
		a.dots = 3
	case elapsed > 2*time.Second:
		a.dots = 4
	}
}

func (a Activity) Dots() int { return a.dots }

func (a Activity) Last() time.Time { return a.last }

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}
