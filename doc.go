// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package malloc implements a drop-in-style heap allocator whose chunk
// metadata lives out-of-line, in a side table keyed by the user pointer,
// instead of in a header immediately preceding the returned memory. A
// heap overflow on user data can therefore only ever corrupt more user
// data, never the allocator's own bookkeeping.
//
// A Heap is a self-contained allocator instance built from three leaf
// components that never call back into it: internal/pagemap (anonymous
// and aligned mapping, plus a synthetic program break), internal/descpool
// (a slab pool serving the fixed-size descriptor records), and
// internal/linhash (a Larson linear-hash table mapping live user pointers
// to descriptor references). On top of those, Heap runs a segregated-bin
// engine — fastbins, small bins, large bins, an unsorted staging bin, and
// a top chunk extended via the page mapper — matching the classic
// dlmalloc/ptmalloc family of designs, generalized to multiple arenas.
//
// The zero value of Heap is not usable; construct one with NewHeap. The
// package-level functions (Malloc, Free, Realloc, ...) operate on a
// lazily-constructed process-wide default Heap for callers that want a
// single global allocator, mirroring the convenience wrappers a C
// program gets from the platform's libc.
package malloc
