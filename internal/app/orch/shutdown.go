package orch

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// Close tears the bridge down for good. It never blocks longer than the
// shutdown timeout, never panics and may be called any number of times.
//
// Close must not be called from an audio_frame handler.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		var pc panics.Catcher
		pc.Try(b.shutdown)
		if rec := pc.Recovered(); rec != nil {
			log.Warn().Err(rec.AsError()).Str("module", "orch").Msg("shutdown panicked")
		}
	})
}

func (b *Bridge) shutdown() {
	deadline := time.Now().Add(b.shutdownTimeout)
	b.silenced.Store(true)

	var pc panics.Catcher
	pc.Try(b.sinks.Close)
	if rec := pc.Recovered(); rec != nil {
		log.Warn().Err(rec.AsError()).Str("module", "orch").Msg("detach on shutdown panicked")
	}

	b.mu.Lock()
	b.closed = true
	b.attempt++
	if b.attemptCancel != nil {
		b.attemptCancel()
		b.attemptCancel = nil
	}
	sess := b.session
	b.session = nil
	b.roster = nil
	b.state.SetState(StateIdle)
	b.mu.Unlock()

	b.cancel()
	b.host.Close()

	if sess != nil {
		b.closeSession(sess, time.Until(deadline))
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		log.Warn().Str("module", "orch").Msg("background work abandoned on shutdown")
	}
	log.Info().Str("module", "orch").Msg("bridge closed")
}
