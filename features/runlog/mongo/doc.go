// Package mongo persists chain event logs in MongoDB.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store. Attach it to a run with runlog.NewSink so every
// latitude and provider event is recorded and can later be replayed with
// runlog.Replay.
package mongo
