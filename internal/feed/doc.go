// Package feed delivers per-subscriber event streams with long polling.
//
// Events are written to the store's append-only log in the same transaction
// as the state change that produced them. The feed reads that log; it never
// holds events of its own. A poller that finds nothing waits on a wake
// channel for its subscriber, which is closed (and replaced) whenever a
// commit appends events for that subscriber.
//
// Subscribers resume with the last sequence number they processed:
//
//	events, err := f.Poll(ctx, "node-a", lastSeq, 30*time.Second, 100)
//	for _, ev := range events {
//	    handle(ev)
//	    lastSeq = ev.Seq
//	}
//
// A timeout is not an error: Poll returns an empty slice and a nil error.
package feed
