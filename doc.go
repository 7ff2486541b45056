// Copyright ©2019 The Gonum Authors. All rights reserved.
// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package simt runs GPU kernels on the CPU by scheduling the logical threads
// of each thread block through natively translated sub-kernels.
//
// The core is split into focused packages:
//   - layout assigns offsets in the parameter, shared, local and constant spaces
//   - callstack gives every thread its own stack of local-memory frames
//   - continuation encodes the header a sub-kernel writes before it yields
//   - cta schedules a block's threads warp by warp through function queues
//   - codecache translates sub-kernels lazily and keeps them resident
//   - trace reports scheduler events, optionally as a CBOR stream
//
// This package ties them together behind Context and Kernel.
package simt
