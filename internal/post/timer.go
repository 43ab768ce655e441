package post

import (
	"sync"
	"time"
)

// Timer runs fn every d until the returned stop function is called
type Timer interface {
	Every(d time.Duration, fn func()) (stop func())
}

type tickerTimer struct{}

// TickerTimer is the wall-clock Timer backed by time.Ticker
func TickerTimer() Timer {
	return tickerTimer{}
}

func (tickerTimer) Every(d time.Duration, fn func()) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
