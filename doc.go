// Package worldstore is the engine facade for persistent simulation
// worlds: chunked tile data saved as full and incremental archives, a
// content-addressed asset index with a bounded cache, and an async
// operation pool, all wired from one [config.Config].
//
// For low-level archive operations use the [core] subpackage; the world,
// asset and integrity packages under core can also be used on their own.
//
// # Quick Start
//
// Open an engine, create a world and save it to a quick-save slot:
//
//	cfg, err := config.Load("worldstore.yaml")
//	if err != nil {
//	    return err
//	}
//	eng, err := worldstore.Open(ctx, cfg, worldstore.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	if err := eng.World().CreateWorld(1024, 1024, 32); err != nil {
//	    return err
//	}
//	res, err := eng.QuickSave(ctx, 1)
//
// Saves after the first are incremental until the full-save cadence is
// reached; QuickLoad replays the base archive plus its incrementals.
//
// # Entity sections
//
// Entity component data travels as ecsblob frames in the optional archive
// sections. Frames set with SetSection are written by the next full save
// and are available through Section after a load.
//
// # Async operations
//
// SaveAsync, LoadAsync and LoadAssetAsync return an operation handle
// immediately. Completion is reported through the callback and through
// the handle's Done channel; both fire exactly once.
package worldstore
