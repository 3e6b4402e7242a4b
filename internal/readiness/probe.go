// Package readiness gates bootstrap on the remote stack coming up in
// dependency order. Each stage polls one URL until it answers with an
// expected status; stages run strictly in sequence so a failure surfaces
// at the lowest broken layer.
package readiness

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Stage is one ordered precondition. Expect lists the statuses that count
// as ready; for auth endpoints that is typically 401 or 405, since a
// rejection proves the handler is up.
type Stage struct {
	Name    string
	URL     string
	Expect  []int
	Timeout time.Duration
}

// TimeoutError reports which stage never became ready.
type TimeoutError struct {
	Stage   string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("readiness stage %s not ready after %s", e.Stage, e.Elapsed)
}

// Doer is the subset of http.Client the probe needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Probe struct {
	Client   Doer
	Interval time.Duration
	Grace    time.Duration
	Logger   zerolog.Logger

	// Injectable clock for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p *Probe) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Probe) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Probe) interval() time.Duration {
	if p.Interval <= 0 {
		return 2 * time.Second
	}
	return p.Interval
}

// WaitReady polls stages in order. A later stage is never probed before
// every earlier stage has passed. After the final stage passes, the probe
// holds for the configured grace period before returning.
func (p *Probe) WaitReady(ctx context.Context, stages []Stage) error {
	for _, st := range stages {
		if err := p.waitStage(ctx, st); err != nil {
			return err
		}
	}
	if p.Grace > 0 {
		p.Logger.Info().Dur("grace", p.Grace).Msg("all stages ready, holding for grace period")
		if err := p.sleep(ctx, p.Grace); err != nil {
			return err
		}
	}
	return nil
}

func (p *Probe) waitStage(ctx context.Context, st Stage) error {
	start := p.now()
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		ok, status, err := p.check(ctx, st)
		if ok {
			p.Logger.Info().Str("stage", st.Name).Int("status", status).Int("attempts", attempt).Msg("stage ready")
			return nil
		}
		elapsed := p.now().Sub(start)
		if st.Timeout > 0 && elapsed >= st.Timeout {
			return &TimeoutError{Stage: st.Name, Elapsed: elapsed}
		}
		ev := p.Logger.Debug().Str("stage", st.Name).Int("attempt", attempt)
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Int("status", status)
		}
		ev.Msg("stage not ready yet")
		if err := p.sleep(ctx, p.interval()); err != nil {
			return err
		}
	}
}

func (p *Probe) check(ctx context.Context, st Stage) (bool, int, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.URL, nil)
	if err != nil {
		return false, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, 0, err
	}
	resp.Body.Close()
	for _, want := range st.Expect {
		if resp.StatusCode == want {
			return true, resp.StatusCode, nil
		}
	}
	return false, resp.StatusCode, nil
}
