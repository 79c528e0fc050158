// Package dispatch fans a batch of canonical alerts out to notification
// channels.
//
// For each alert the coordinator resolves its channels through the route
// table, renders one message, resolves the alert fingerprint, and then, per
// channel, consults the shared dedupe cache with the key
// fingerprint:status:channel before handing the message to the retry
// executor. Every (alert, channel) pair is an independent unit of failure:
// an exhausted retry schedule is counted as failed for that pair only and
// never aborts the rest of the batch.
//
// Counting:
//
//   - an alert that resolves to no channels (muted, or no route) adds one
//     skipped for the whole alert;
//   - a dedupe hit, an unconfigured channel, or a channel without a registered
//     sender adds one skipped for that channel;
//   - a delivered message adds one sent;
//   - an exhausted retry schedule adds one failed;
//   - a batch element that is not an alert object adds one failed.
//
// Channels of one alert are sent sequentially unless parallel fan-out is
// enabled, in which case each channel runs in its own goroutine. The dedupe
// check-and-set is atomic in both modes.
package dispatch
