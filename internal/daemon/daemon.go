// Copyright 2024 cachefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon runs the cachefs file server and caching proxy processes:
// it loads their configuration, takes their single-instance locks and serves
// their IPC endpoints until stopped.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"cachefs/internal/metrics"
)

func init() {
	// Default logging to discard until SetupLogging runs
	log.SetOutput(io.Discard)
}

// acquireLock takes an exclusive, non-blocking flock on path.
func acquireLock(path, what string) (*flock.Flock, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another %s is already using %s", what, path)
	}
	return lock, nil
}

// serve runs the optional metrics endpoint and blocks until ctx is cancelled
// or the process receives SIGINT/SIGTERM.
func serve(ctx context.Context, prefix string, metricsAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, metricsAddr)
		})
	}

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Infof("%s received signal %v, shutting down", prefix, sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
