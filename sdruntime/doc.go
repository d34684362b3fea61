// Package sdruntime owns Stable Diffusion pipelines: how they are loaded,
// where they live, and how they are invoked.
//
// The numerical work happens behind the Pipeline interface. Two backends
// implement it:
//
//   - WorkerLoader talks JSON over HTTP to a diffusers sidecar process that
//     holds the model weights and the torch runtime.
//   - StubLoader renders deterministic placeholder PNGs in-process, for
//     development and tests.
//
// # Pipeline Cache
//
// Cache maps canonical model ids to loaded pipelines. The first GetOrLoad for
// an id constructs the pipeline, places it on the requested device, applies
// that device's memory optimizations and attaches the model's scheduler.
// Concurrent first requests for the same id share a single load. Entries are
// never evicted, and failed loads are not cached.
//
//	cache := sdruntime.NewCache(loader, sdruntime.CacheOptions{
//	    SchedulerFor: catalog.SchedulerFor,
//	}, logger)
//	entry, err := cache.GetOrLoad(ctx, "runwayml/stable-diffusion-v1-5", device.CUDA)
//
// # Entries
//
// An Entry serialises use of its pipeline. Callers take a Lease, which
// exposes the operations that touch the pipeline (scheduler changes, device
// moves, generation) and reports placement changes explicitly:
//
//	lease, err := entry.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
//	png, err := lease.Generate(ctx, inv)
//
// # Errors
//
// Backends report resource exhaustion as ErrOutOfMemory and accelerator
// runtime faults as ErrBackendFault, wrapped with the backend's message.
package sdruntime
