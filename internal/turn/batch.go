package turn

import (
	"context"
	"sync"

	"github.com/hpungsan/counsel/internal/errors"
)

// BatchResult is the outcome of one request in a batch. Exactly one of
// Result and Error is set.
type BatchResult struct {
	Index     int     `json:"index"`
	RequestID string  `json:"request_id,omitempty"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	Code      string  `json:"code,omitempty"`
}

// ProcessBatch runs every request with at most MaxConcurrent in flight.
// Results are in input order; a failing request never affects the others.
func (o *Orchestrator) ProcessBatch(ctx context.Context, reqs []Request) []BatchResult {
	results := make([]BatchResult, len(reqs))
	sem := make(chan struct{}, o.opts.MaxConcurrent)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			br := BatchResult{Index: i, RequestID: req.ID}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				br.Error, br.Code = ctx.Err().Error(), string(errors.ErrTimeout)
				results[i] = br
				return
			}
			defer func() { <-sem }()

			res, err := o.ProcessTurn(ctx, req)
			if err != nil {
				o.logger.Error("batch request failed", "index", i, "request_id", req.ID, "error", err)
				br.Error = err.Error()
				br.Code = string(errors.ErrInternal)
				if ce, ok := errors.As(err); ok {
					br.Code = string(ce.Code)
				}
			} else {
				br.Result = res
			}
			results[i] = br
		}(i, req)
	}
	wg.Wait()
	return results
}
