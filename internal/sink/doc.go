// Package sink mirrors hub events to external consumers.
//
// A sink is an ordinary hub subscriber attached with Attach. LogSink writes
// events through slog. KafkaSink publishes each event as a JSON Record keyed
// by conversation id. A sink that cannot keep up is dropped by the hub like
// any other slow subscriber; Attach logs the reason.
package sink
