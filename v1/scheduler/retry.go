package scheduler

import (
	"errors"

	"github.com/eapache/go-resiliency/retrier"
	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
)

// persistenceClassifier retries persistence failures only. Anything else,
// invalid arguments included, fails the job at once.
type persistenceClassifier struct{}

func (persistenceClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case errors.Is(err, keeperrors.ErrPersistence):
		return retrier.Retry
	}
	return retrier.Fail
}

func (s *Scheduler) newRetrier() *retrier.Retrier {
	return retrier.New(retrier.ExponentialBackoff(s.opts.retries, s.opts.backoff), persistenceClassifier{})
}
