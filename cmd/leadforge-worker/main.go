// Copyright 2025 Tom Barlow
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

// leadforge-worker processes one job invocation: it loads the job,
// executes its workflow (or a single step), and exits with a code the
// queue consumer can act on.
//
// Exit codes: 0 success, 1 failure, 130 interrupted, 143 terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		sig os.Signal
	)
	go func() {
		s := <-sigCh
		mu.Lock()
		sig = s
		mu.Unlock()
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)

	mu.Lock()
	received := sig
	mu.Unlock()
	switch received {
	case syscall.SIGINT:
		os.Exit(130)
	case syscall.SIGTERM:
		os.Exit(143)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
