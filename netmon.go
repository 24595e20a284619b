package gearsync

import (
	"context"
	"time"
)

// NetworkMonitor is the device online/offline collaborator. The host
// application supplies an implementation backed by its platform's network
// signal; the default assumes the device is always online.
type NetworkMonitor interface {
	// Offline reports whether the device is known to be offline.
	Offline() bool
	// WaitOnline blocks until the device comes back online, the limit passes,
	// or ctx is done. Returning nil means online.
	WaitOnline(ctx context.Context, limit time.Duration) error
	// OnChange registers a network-change observer; returns an unsubscribe func.
	OnChange(fn func(online bool)) (unsubscribe func())
}

// alwaysOnline is the default NetworkMonitor.
type alwaysOnline struct{}

func (alwaysOnline) Offline() bool                                   { return false }
func (alwaysOnline) WaitOnline(context.Context, time.Duration) error { return nil }
func (alwaysOnline) OnChange(func(online bool)) func()               { return func() {} }
