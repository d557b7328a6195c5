// Package retry 提供指數退避重試
//
// 加入流程本身不重試（每個終態只回報一次），
// 重試只發生在對帳（reconcile）這類離線修復路徑。
package retry

import (
	"context"
	"time"
)

// Classifier 判斷錯誤是否值得重試
type Classifier func(error) bool

// Options 重試配置
type Options struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Classifier      Classifier // nil 表示所有錯誤都重試
}

// DefaultOptions 返回預設重試配置
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// Do 執行 fn，失敗時以指數退避重試
//
// 返回最後一次的錯誤；不可重試的錯誤立即返回。
// context 取消時返回 ctx.Err()。
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if opts.Classifier != nil && !opts.Classifier(err) {
			return err
		}

		// 最後一次不等待
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(Backoff(attempt, opts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// Backoff 返回第 attempt 次失敗後的等待時間
func Backoff(attempt int, opts Options) time.Duration {
	interval := float64(opts.InitialInterval)
	for i := 1; i < attempt; i++ {
		interval *= opts.Multiplier
		if opts.MaxInterval > 0 && interval >= float64(opts.MaxInterval) {
			return opts.MaxInterval
		}
	}
	return time.Duration(interval)
}
