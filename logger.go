/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// rootFulfillGracePeriod is how long collector startup code has to call
// SetLogger before eventuallyFulfillRoot prints a one-time diagnostic to
// stderr and pins the root to a null sink. Nothing is buffered meanwhile:
// lines logged before SetLogger go to the nullLogSink default.
const rootFulfillGracePeriod = 30 * time.Second

// SetLogger installs l as the backend that loggers derived from the package
// root through FromContext from now on forward to. Lines logged before the
// embedding application's startup code reached SetLogger went to the
// nullLogSink default and are not replayed.
//
// The teacher's own logger.go (controller-runtime's delegating-log-sink
// pattern) builds a tree of not-yet-fulfilled child promises so that every
// WithName/WithValues call made anywhere, before or after SetLogger, against
// a logger handed out at package-init time, replays correctly once the real
// backend arrives. That generality fits a library with many independent,
// long-lived call sites deriving and storing child loggers early. This
// collector replays nothing: WithName/WithValues (which FromContext always
// applies) bind the derived logger to whichever sink is current at that
// moment. preprocessor.go calls FromContext fresh at every log line, so it
// follows SetLogger at once. The transport listeners call it once per
// Listen call, TCP connection or ReadFile call and keep the result, so a
// logger they derived from the root before SetLogger keeps discarding its
// lines for the life of that listener, connection or file read.
func SetLogger(l logr.Logger) {
	logFulfilled.Store(true)
	root.fulfill(l.GetSink())
}

// FromContext returns the logger attached to ctx (via IntoContext), or the
// package-wide root logger if ctx carries none, with keysAndValues attached.
func FromContext(ctx context.Context, keysAndValues ...interface{}) logr.Logger {
	log := Log
	if ctx != nil {
		if logger, err := logr.FromContext(ctx); err == nil {
			log = logger
		}
	}
	return log.WithValues(keysAndValues...)
}

// IntoContext attaches l to ctx so that a later FromContext(ctx) call returns it.
func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return logr.NewContext(ctx, l)
}

// eventuallyFulfillRoot falls back to discarding logs once rootFulfillGracePeriod
// has elapsed without a SetLogger call, logging a one-time diagnostic (with a
// stack trace, so the missing call site is easy to find) to stderr first.
func eventuallyFulfillRoot() {
	if logFulfilled.Load() {
		return
	}
	if time.Since(rootCreated) >= rootFulfillGracePeriod {
		if logFulfilled.CompareAndSwap(false, true) {
			stack := debug.Stack()
			stackLines := bytes.Count(stack, []byte{'\n'})
			sep := []byte{'\n', '\t', '>', ' ', ' '}

			fmt.Fprintf(os.Stderr,
				"ipfixcore: SetLogger(...) was never called after %s; collector logs will be discarded.\nDetected at:%s%s",
				rootFulfillGracePeriod, sep,
				// prefix every line, so it's clear this is a stack trace related to the above message
				bytes.Replace(stack, []byte{'\n'}, sep, stackLines-1),
			)
			root.fulfill(nullLogSink{})
		}
	}
}

var logFulfilled atomic.Bool

var (
	root        = newRootSink()
	rootCreated = time.Now()
	Log         = logr.New(root)
)

type nullLogSink struct{}

var _ logr.LogSink = nullLogSink{}

func (nullLogSink) Init(logr.RuntimeInfo) {}

func (nullLogSink) Info(_ int, _ string, _ ...interface{}) {}

func (nullLogSink) Error(_ error, _ string, _ ...interface{}) {}

func (nullLogSink) Enabled(_ int) bool {
	return false
}

func (log nullLogSink) WithName(_ string) logr.LogSink {
	return log
}

func (log nullLogSink) WithValues(_ ...interface{}) logr.LogSink {
	return log
}

// rootSink is a logr.LogSink that forwards every call to whichever concrete
// sink is current, swapped by each SetLogger call (and by
// eventuallyFulfillRoot's timeout fallback). WithName/WithValues derive
// directly from the current sink rather than queuing a replay: any logger
// value obtained through FromContext before SetLogger is called stays bound
// to the null sink and silently drops every line it logs, same as any line
// the embedder never wired up logging for at all.
type rootSink struct {
	mu   sync.RWMutex
	sink logr.LogSink
	info logr.RuntimeInfo
}

var _ logr.LogSink = (*rootSink)(nil)

func newRootSink() *rootSink {
	return &rootSink{sink: nullLogSink{}}
}

func (r *rootSink) current() logr.LogSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sink
}

func (r *rootSink) fulfill(sink logr.LogSink) {
	if sink == nil {
		sink = nullLogSink{}
	}
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func (r *rootSink) Init(info logr.RuntimeInfo) {
	r.mu.Lock()
	r.info = info
	r.mu.Unlock()
}

func (r *rootSink) Enabled(level int) bool {
	eventuallyFulfillRoot()
	return r.current().Enabled(level)
}

func (r *rootSink) Info(level int, msg string, keysAndValues ...interface{}) {
	eventuallyFulfillRoot()
	r.current().Info(level, msg, keysAndValues...)
}

func (r *rootSink) Error(err error, msg string, keysAndValues ...interface{}) {
	eventuallyFulfillRoot()
	r.current().Error(err, msg, keysAndValues...)
}

func (r *rootSink) WithName(name string) logr.LogSink {
	eventuallyFulfillRoot()
	return r.current().WithName(name)
}

func (r *rootSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	eventuallyFulfillRoot()
	return r.current().WithValues(keysAndValues...)
}
