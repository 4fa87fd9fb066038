package dwc2

import "time"

// resumeTimers holds one cancellable one-shot timer per channel, used
// for NAK rearm on interrupt/bulk endpoints and for TT-waiter resume
// pacing (spec.md §5 suspension points c and d). A timer firing posts
// to the channel's DPC cell rather than re-entering the state machine
// directly, per spec.md's "per-channel DPC hop" design note.
type resumeTimers struct {
	timers [numChannels]*time.Timer
}

// arm schedules fn to run after d, replacing any previously armed timer
// for this channel.
func (r *resumeTimers) arm(ch int, d time.Duration, fn func()) {
	if r.timers[ch] != nil {
		r.timers[ch].Stop()
	}
	r.timers[ch] = time.AfterFunc(d, fn)
}

// cancel stops a channel's armed timer, if any.
func (r *resumeTimers) cancel(ch int) {
	if r.timers[ch] != nil {
		r.timers[ch].Stop()
		r.timers[ch] = nil
	}
}

// stopAll cancels every armed timer, used during Controller.Stop.
func (r *resumeTimers) stopAll() {
	for i := range r.timers {
		r.cancel(i)
	}
}
