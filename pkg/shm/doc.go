// Package shm provides shared memory regions that can be handed to other
// processes with an explicit, checked permission contract.
//
// A region is created Writable, ReadOnly (with a one-time writable mapping)
// or Unsafe. Writable regions can be narrowed once, to ReadOnly or to Unsafe;
// narrowing to ReadOnly removes write access from the kernel handle itself,
// so a receiver cannot map the region writable even if it tries.
//
// Mappings have their own lifetime: closing a region does not unmap views
// already made from it. Every mapping reserves its size against a
// security.Policy until it is unmapped.
//
// Example usage:
//
//	region, w, err := shm.CreateReadOnlyRegion(ctx, 4096)
//	if err != nil {
//		return err
//	}
//	copy(w.Bytes(), "Hello World")
//	_ = w.Unmap()
//	token, err := shm.AddToLaunchParameters(cmd, region)
//
// Telemetry is off until Instrument is called.
package shm
