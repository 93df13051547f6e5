package wasmhost

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// bridge holds the exported functions of an instantiated plugin module
// and the calling convention shared by all of them: JSON in, JSON out,
// guest memory managed through the module's own malloc/free.
type bridge struct {
	module api.Module
	memory api.Memory

	malloc api.Function
	free   api.Function

	create api.Function
	delete api.Function
	verify api.Function

	timeout time.Duration
}

// newBridge resolves the required exports. A module missing any of them
// is rejected at load time, not first use.
func newBridge(module api.Module, timeout time.Duration) (*bridge, error) {
	b := &bridge{module: module, timeout: timeout}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("plugin module exports no memory")
	}

	for _, export := range []struct {
		name string
		dst  *api.Function
	}{
		{"malloc", &b.malloc},
		{"free", &b.free},
		{"adapter_create", &b.create},
		{"adapter_delete", &b.delete},
		{"adapter_verify", &b.verify},
	} {
		fn := module.ExportedFunction(export.name)
		if fn == nil {
			return nil, fmt.Errorf("plugin module does not export %s", export.name)
		}
		*export.dst = fn
	}

	return b, nil
}

// call invokes fn(input_ptr, input_len) -> packed (output_ptr<<32 | len),
// copying the request into guest memory first and the response out after.
func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		if !b.memory.Write(ptr, input) {
			return nil, fmt.Errorf("failed to write request into plugin memory")
		}
		inputPtr, inputLen = ptr, uint32(len(input))
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("plugin call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("plugin call returned no result")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read response from plugin memory")
	}

	// Copy before freeing: Read returns a view into guest memory.
	response := make([]byte, len(output))
	copy(response, output)
	_ = b.deallocate(ctx, outputPtr)

	return response, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("plugin malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("plugin malloc returned no memory")
	}
	return uint32(results[0]), nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("plugin free failed: %w", err)
	}
	return nil
}

// writeGuestBytes copies data into freshly allocated guest memory and
// returns the packed pointer/length. Host functions use it to hand
// responses back to the plugin; the plugin frees the allocation. A zero
// return signals failure.
func writeGuestBytes(ctx context.Context, mod api.Module, data []byte) uint64 {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil || len(data) == 0 {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}
