// Package taskqueue provides lane-based task serialization. Each lane runs
// at most its configured concurrency; a lane with concurrency 1 is a strict
// FIFO serializer. Sessions get one lane each so concurrent requests against
// the same session never interleave, while the subprocess pool uses a wide
// lane to bound total live engine processes.
package taskqueue
