// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync"
	"time"
)

// Shared HTTP clients with connection pooling. The streaming client has no
// client timeout: stream lifetime is controlled by context plus the
// no-data watchdog.
var (
	sharedTransport = &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	sharedClient = &http.Client{
		Transport: sharedTransport,
		Timeout:   120 * time.Second,
	}

	sharedStreamClient = &http.Client{
		Transport: sharedTransport,
	}
)

// watchdog cancels an in-flight request when no data arrives for the
// configured interval. Each successful body read rearms it.
type watchdog struct {
	timer  *time.Timer
	mu     sync.Mutex
	fired  bool
	closed bool
}

func newWatchdog(interval time.Duration, cancel context.CancelFunc) *watchdog {
	w := &watchdog{}
	w.timer = time.AfterFunc(interval, func() {
		w.mu.Lock()
		w.fired = true
		w.mu.Unlock()
		cancel()
	})
	return w
}

// reset rearms the watchdog after data arrived.
func (w *watchdog) reset(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed && !w.fired {
		w.timer.Reset(interval)
	}
}

// stop disarms the watchdog.
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.timer.Stop()
}

// Fired reports whether the watchdog cancelled the request.
func (w *watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// watchedBody rearms a watchdog on every successful read.
type watchedBody struct {
	io.ReadCloser
	wd       *watchdog
	interval time.Duration
}

func (b *watchedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.wd.reset(b.interval)
	}
	return n, err
}
