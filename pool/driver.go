// Copyright 2023 Versity Software
// This file is licensed under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package pool

import "context"

// Driver creates and manages raw connections of type T on behalf of a
// Pool. Implementations must be safe for concurrent use; the pool
// issues Connect, Ping, and Close calls from multiple goroutines.
type Driver[T any] interface {
	// Name identifies the backing service in logs and metrics.
	Name() string

	// Connect establishes a new connection. The supplied context
	// carries the pool's connect timeout.
	Connect(ctx context.Context) (T, error)

	// Ping verifies that an existing connection is still usable.
	Ping(ctx context.Context, conn T) error

	// Close tears down a connection. The pool calls Close exactly once
	// for every connection it created.
	Close(ctx context.Context, conn T) error
}

// Guard wraps outbound driver calls, typically with a circuit breaker,
// so that a failing backend is probed instead of hammered. A nil Guard
// means driver calls go out directly.
type Guard interface {
	Call(ctx context.Context, fn func(context.Context) error) error
}
