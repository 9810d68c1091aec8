// Package pagination walks a subject's remote collection page by page and
// exposes it as a pull-based stream of records.
//
// The extractor paces every request through the rate limiter, retries each
// page a bounded number of times and ends the stream for one of four reasons:
//
//   - Exhausted: the remote reported no further cursor
//   - Cutoff: a record older than the cutoff time was reached
//   - Truncated: rate limit retries for a page ran out (no error is reported)
//   - Failed: an authorization failure or an unrecoverable remote error
//
// Example usage:
//
//	ex := pagination.NewExtractor(client, limiter, logger)
//	subject, err := ex.ResolveSubject(ctx, "@gopher")
//	stream := ex.Extract(ctx, subject, pagination.Cutoff(time.Now(), 30*24*time.Hour))
//	for stream.Next(ctx) {
//		rec := stream.Record()
//		...
//	}
//	if err := stream.Err(); err != nil {
//		...
//	}
//
// Pages are assumed to arrive newest first. The stream is single-pass and not
// restartable.
package pagination
