// Package macrostep is an incremental, concurrent macro-expansion engine.
// Given a source tree containing macro invocations, it recomputes only the
// expansions that went stale, writes their text into a content store, and
// records the invocation to expansion mapping in a persistent index so that
// downstream tools can treat expansions as ordinary files.
//
// # Pipeline
//
// A run proceeds in steps. Step 0 covers the invocations found in source
// files; step k covers the invocations found inside the expansions produced
// at step k-1. Each step pushes its work units through three stages:
//
//  1. Resolve & expand (parallel, read only): look the definition up,
//     compare hashes with the stored record, and run the expander when the
//     record is stale.
//  2. Write to store (serial, batched): apply blob creates, in-place
//     overwrites and deletes inside one content-store transaction per batch
//     and publish it atomically.
//  3. Save to index (serial): upsert or remove the index record of every
//     unit in a published batch.
//
// No index entry is written unless the blob change it describes has been
// published, and a published batch is journaled until all of its index
// entries are saved, so [Engine.Recover] can repair a crash in between.
//
// # Usage
//
//	scanner, _ := source.NewScanner("path/to/crate")
//	expander := runtime.NewExpander("", runtime.WithFS(scripts.FS))
//
//	e, err := macrostep.New("macrostep.db", scanner, expander)
//	if err != nil { ... }
//	defer e.Close()
//
//	task, err := e.Start(ctx)
//	...
//	res, err := task.Wait()
//
// [Engine.Run] is the blocking form. A [Task] can be cancelled at any time;
// the engine stops between batches or steps and reports
// [Result.Cancelled].
package macrostep
