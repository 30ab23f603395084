package forward

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"userbotd/internal/userbot/platform"
	logx "userbotd/pkg/logx"
)

// run is the per-task loop: fetch, sweep, report, sleep.
func (s *Scheduler) run(t *task) {
	defer s.wg.Done()
	defer t.cancel()
	log := s.log.With(logx.String("task", t.id))

	if !t.origin.IsZero() {
		ref, err := s.client.Reply(s.ctx, t.origin, startingText)
		if err != nil {
			log.Warn("status message failed", logx.Err(err))
		}
		t.setStatusRef(ref)
	}

	for t.isRunning() {
		msg, err := s.client.FetchMessage(s.ctx, t.source)
		if errors.Is(err, platform.ErrMessageGone) {
			if s.removeIfCurrent(t) {
				t.halt()
				log.Info("source message gone; task terminated")
				s.report(t, stoppedText(t.info(time.Now())))
			}
			return
		}
		if err == nil {
			t.setPreview(previewOf(msg))
			var res CycleResult
			res, err = s.sweep(t, msg)
			if err == nil {
				t.record(res)
				log.Debug("cycle done", logx.Int("success", res.Success), logx.Int("failed", res.Failed))
				if !t.isRunning() {
					return
				}
				s.report(t, statusText(t.info(time.Now()), res))
			}
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Warn("forward cycle failed", logx.Err(err))
			s.report(t, cycleErrorText(t.id, err, t.delay()))
		}

		if sleepCtx(t.ctx, time.Duration(t.delay())*s.opts.DelayUnit) != nil {
			return
		}
	}
}

// sweep forwards msg to every eligible group once, strictly in order.
func (s *Scheduler) sweep(t *task, msg platform.Message) (CycleResult, error) {
	dialogs, err := s.client.Dialogs(s.ctx)
	if err != nil {
		return CycleResult{}, err
	}

	var (
		res   CycleResult
		pacer = rate.NewLimiter(rate.Every(max(s.opts.Pacing, time.Nanosecond)), 1)
	)
	for _, d := range dialogs {
		if !t.isRunning() {
			break
		}
		if !d.IsGroup || s.IsBanned(d.ID) {
			continue
		}
		if s.opts.Pacing > 0 {
			if err := pacer.Wait(t.ctx); err != nil {
				break
			}
		}

		err := s.opts.Policy.Do(t.ctx, func() error { return s.client.Forward(s.ctx, d.ID, msg) })
		if err == nil {
			res.Success++
			continue
		}
		res.Failed++
		res.Failures = append(res.Failures, Failure{Title: d.Title, Reason: failureReason(err)})
	}
	return res, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrFloodLimit):
		return "Flood limit"
	case errors.Is(err, platform.ErrWriteForbidden):
		return "Bot is banned/restricted"
	default:
		return err.Error()
	}
}

// report edits the task's status message in place.
func (s *Scheduler) report(t *task, text string) {
	ref := t.statusRef()
	if ref.IsZero() {
		return
	}
	if err := s.client.Edit(s.ctx, ref, text); err != nil {
		s.log.Debug("status edit failed", logx.String("task", t.id), logx.Err(err))
	}
}

func previewOf(m platform.Message) string {
	if m.Text == "" {
		return "[Media Message]"
	}
	r := []rune(m.Text)
	if len(r) > 200 {
		r = r[:200]
	}
	return string(r)
}
