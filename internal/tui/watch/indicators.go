package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames once per UI tick. A frozen ticker means the
// program loop has stalled.
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

// activityDots is how many dots light up on a delivery.
const activityDots = 5

// Activity lights up on each delivery and fades over ten seconds.
type Activity struct {
	dots int
	last time.Time
}

func (a *Activity) OnEvent(now time.Time) {
	a.dots = activityDots
	a.last = now
}

// Decay dims one dot per two seconds of silence.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	lit := activityDots - int(now.Sub(a.last)/(2*time.Second))
	if lit < 0 {
		lit = 0
	}
	if lit < a.dots {
		a.dots = lit
	}
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityDots {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) Last() time.Time {
	return a.last
}
