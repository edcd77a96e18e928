/*
Package adapter assembles a DriveFS mount from a configuration.

The adapter owns the lifecycle of every component serving one mounted drive:

	  kernel FUSE
	      │
	┌─────┴──────┐
	│   fuse     │  go-fuse or cgofuse, chosen at build time
	└─────┬──────┘
	┌─────┴──────┐
	│ vfs.Handler│  path calls, handles, flush scheduling
	└─┬───┬───┬──┘
	  │   │   └──────────── resolver    path ⇄ identifier
	  │   └──────────────── metacache   entries and listings (ristretto)
	  │                     buffer      content blocks, uploader, read-ahead
	┌─┴──────────┐
	│ remote     │  concurrency, rate limit, retry, circuit breaker
	└─────┬──────┘
	┌─────┴──────┐
	│ drive      │  graph, s3 or memory
	└────────────┘

New validates the configuration and builds the graph bottom-up. It resolves
the drive root before returning, so bad credentials fail here rather than at
the first filesystem call. Nothing is mounted until Start.

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())
	a.Wait()

Stop unmounts first, then uploads any remaining dirty content before
releasing the caches and the metrics server. Failures from each step are
combined rather than short-circuiting, so a failed unmount still flushes.
*/
package adapter
