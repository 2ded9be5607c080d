// Package batcher coalesces mutations from concurrent callers into batches.
//
// Each caller gets its own deferred result; the aggregator owns the batch
// lifecycle and dispatches on size or time.
//
// Example configuration:
//
//	{
//	  "batching": {
//	    "maxSize": 50,
//	    "maxWait": 20
//	  }
//	}
package batcher
