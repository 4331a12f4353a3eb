package humanize

import (
	"math/rand"
	"time"
	"unicode/utf8"
)

const (
	firstThinkingMin = 500 * time.Millisecond
	firstThinkingMax = 2000 * time.Millisecond
	laterThinkingMin = 800 * time.Millisecond
	laterThinkingMax = 2000 * time.Millisecond
	typingCap        = 10 * time.Second
	postDelay        = 400 * time.Millisecond
	postDelayFinal   = 200 * time.Millisecond
	wpmMin           = 20.0
	wpmMax           = 60.0
)

// Beat is the pacing of one outbound segment: a pause as if reading back,
// a typing stretch derived from a per-segment words-per-minute draw, and a
// short breath before the send goes out.
type Beat struct {
	Thinking time.Duration
	Typing   time.Duration
	Post     time.Duration
	WPM      float64
}

// PlanRhythm draws the pacing for every segment up front. The first
// segment thinks longer from a lower floor; later ones scale with their
// own size so a long follow-up does not appear instantly.
func PlanRhythm(rng *rand.Rand, segments []string) []Beat {
	beats := make([]Beat, len(segments))
	for i, seg := range segments {
		n := float64(utf8.RuneCountInString(seg))

		var thinking time.Duration
		if i == 0 {
			thinking = lerp(firstThinkingMin, firstThinkingMax, minf(n/100, 1))
		} else {
			thinking = lerp(laterThinkingMin, laterThinkingMax, minf(n/200, 1))
		}

		wpm := wpmMin + (wpmMax-wpmMin)*rng.Float64()
		words := n / 5
		typing := time.Duration(words / wpm * float64(time.Minute))

		post := postDelay
		if i == len(segments)-1 {
			post = postDelayFinal
		}

		beats[i] = Beat{
			Thinking: jitter(rng, thinking),
			Typing:   capTyping(jitter(rng, typing)),
			Post:     post,
			WPM:      wpm,
		}
	}
	return beats
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + 0.2*rng.Float64()))
}

func capTyping(d time.Duration) time.Duration {
	if d > typingCap {
		return typingCap
	}
	return d
}

func lerp(lo, hi time.Duration, t float64) time.Duration {
	return lo + time.Duration(t*float64(hi-lo))
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
