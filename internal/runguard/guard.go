// Package runguard keeps a single rebalancer pass running per account.
package runguard

import (
	"context"
	"errors"
	"os"
)

// ErrAlreadyRunning means another pass holds the guard.
var ErrAlreadyRunning = errors.New("another run is in progress")

// Guard is a mutual-exclusion lock around one pass.
type Guard interface {
	// Acquire takes the guard or fails with ErrAlreadyRunning. The returned
	// func releases it.
	Acquire(ctx context.Context) (release func() error, err error)
}

// owner is what a guard records about its holder.
type owner struct {
	Token   string `json:"token"`
	PID     int    `json:"pid"`
	Host    string `json:"host"`
	Started string `json:"started"`
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
