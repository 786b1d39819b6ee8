// Package batch splits work into fixed-size batches and runs each batch on a
// bounded worker pool.
//
// Example usage:
//
//	for _, chunk := range batch.Split(targets, 10) {
//		results := batch.Run(ctx, batch.Config{MaxConcurrency: 2}, chunk, submit)
//		// inspect results[i].Value / results[i].Err, in input order
//	}
//
// The pool:
//   - Dispatches items in input order
//   - Keeps at most MaxConcurrency calls in flight
//   - Applies an optional per-item timeout
//   - Returns one Result per item, indexed like the input
//   - Marks items never dispatched because ctx ended with ctx.Err()
package batch
