package evidence

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Progress is emitted once per order as bulk verification completes it.
type Progress struct {
	OrderID    string `json:"order_id"`
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
	OverallOK  bool   `json:"overall_ok"`
	Mismatches int    `json:"mismatches"`
	AuditKey   string `json:"audit_key,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// Summary totals a stream of progress events.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Errors int `json:"errors"`
}

// Add folds one event into the summary.
func (s *Summary) Add(p Progress) {
	s.Total++
	switch {
	case p.Error != "":
		s.Errors++
	case p.OverallOK:
		s.Passed++
	default:
		s.Failed++
	}
}

// VerifyAll verifies every order with a fixed pool of workers pulling from a
// shared queue. Events arrive on the returned channel in completion order and
// the channel is closed when all orders are done or ctx is cancelled. A
// consumer that stops reading must cancel ctx to release the workers.
func (s *Service) VerifyAll(ctx context.Context, orderIDs []string, workers int) <-chan Progress {
	if workers <= 0 {
		workers = s.opts.VerifyWorkers
	}
	if workers > len(orderIDs) && len(orderIDs) > 0 {
		workers = len(orderIDs)
	}

	out := make(chan Progress)
	total := len(orderIDs)

	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		queue := make(chan string)

		g.Go(func() error {
			defer close(queue)
			for _, id := range orderIDs {
				select {
				case queue <- id:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})

		var completed atomic.Int64
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				for id := range queue {
					p := s.verifyOne(gctx, id)
					p.Total = total
					p.Completed = int(completed.Add(1))
					select {
					case out <- p:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			s.logger.Info("bulk verification stopped", "error", err, "completed", completed.Load(), "total", total)
			return
		}
		s.logger.Info("bulk verification finished", "total", total)
	}()

	return out
}

func (s *Service) verifyOne(ctx context.Context, orderID string) Progress {
	p := Progress{OrderID: orderID}
	audit, err := s.Verify(ctx, orderID)
	if err != nil {
		p.Error = err.Error()
		var e *Error
		if errors.As(err, &e) {
			p.ErrorCode = e.Code
		}
		return p
	}
	p.OverallOK = audit.OverallOK
	p.Mismatches = len(audit.Mismatches)
	p.AuditKey = audit.AuditKey
	return p
}
