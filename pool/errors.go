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

import "errors"

var (
	// ErrPoolExhausted is returned by Acquire when every connection is
	// in use and the pool is not allowed to grow any further.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by operations on a pool after Close.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrConnectionCreateFailed wraps driver errors from establishing
	// a new connection.
	ErrConnectionCreateFailed = errors.New("failed to create connection")

	// ErrProbeFailed wraps driver errors from a connection liveness
	// probe.
	ErrProbeFailed = errors.New("connection probe failed")
)
