package payment

import (
	"context"
	"sync"
)

type fakeProcessor struct {
	mu          sync.Mutex
	intentErrs  []error
	readerErrs  []error
	intentCalls []IntentRequest
	readerCalls []readerCall
	nextIntent  string
}

type readerCall struct {
	readerID, intentID, key string
}

func (f *fakeProcessor) CreateIntent(_ context.Context, req IntentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentCalls = append(f.intentCalls, req)
	if len(f.intentErrs) > 0 {
		err := f.intentErrs[0]
		f.intentErrs = f.intentErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if f.nextIntent == "" {
		return "pi_test", nil
	}
	return f.nextIntent, nil
}

func (f *fakeProcessor) ProcessOnReader(_ context.Context, readerID, intentID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readerCalls = append(f.readerCalls, readerCall{readerID, intentID, key})
	if len(f.readerErrs) > 0 {
		err := f.readerErrs[0]
		f.readerErrs = f.readerErrs[1:]
		return err
	}
	return nil
}
