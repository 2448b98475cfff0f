// Package retry runs an operation under a capped exponential backoff.
//
// The sync engine never retries: a failed emission or batch write ends the
// sync. Storage backends retry a single object upload:
//
//	p := retry.Upload()
//	p.Retryable = errors.IsTransient
//	err := retry.Do(ctx, p, func(ctx context.Context) error {
//		_, err := client.PutObject(ctx, input)
//		return err
//	})
//
// Errors marked Permanent, or rejected by Policy.Retryable, end the loop at
// once and are returned unchanged. When the attempts run out the error
// matches ErrExhausted and the last failure.
package retry
