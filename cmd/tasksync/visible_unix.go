//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyVisible calls fn on SIGCONT, i.e. when a stopped daemon resumes.
func notifyVisible(fn func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGCONT)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
