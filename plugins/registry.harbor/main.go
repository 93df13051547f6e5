//go:build tinygo

package main

import (
	"encoding/json"
	"errors"
	"unsafe"
)

//go:wasmimport env host_exec
func hostExec(ptr, size uint32) uint64

//go:wasmimport env host_http_request
func hostHTTPRequest(ptr, size uint32) uint64

//go:wasmimport env host_log
func hostLog(ptr, size uint32)

// alive pins buffers handed across the boundary until free releases
// them, keeping the GC away from memory the host still references.
var alive = map[uint32][]byte{}

//export malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	alive[ptr] = buf
	return ptr
}

//export free
func free(ptr uint32) {
	delete(alive, ptr)
}

// view borrows guest memory the host wrote into.
func view(ptr, size uint32) []byte {
	if ptr == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

// stage copies payload into a tracked buffer for a host call.
func stage(payload []byte) (uint32, uint32) {
	ptr := malloc(uint32(len(payload)))
	if ptr != 0 {
		copy(alive[ptr], payload)
	}
	return ptr, uint32(len(payload))
}

// unpack copies a packed host response out of guest memory and frees
// the buffer the host allocated through malloc.
func unpack(packed uint64) ([]byte, bool) {
	if packed == 0 {
		return nil, false
	}
	respPtr := uint32(packed >> 32)
	respLen := uint32(packed & 0xFFFFFFFF)
	data := make([]byte, respLen)
	copy(data, view(respPtr, respLen))
	free(respPtr)
	return data, true
}

// pack stores a response where the host can read it. The host frees
// the buffer after copying.
func pack(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	ptr, length := stage(data)
	if ptr == 0 {
		return 0
	}
	return uint64(ptr)<<32 | uint64(length)
}

func execRoundTrip(payload []byte) ([]byte, bool) {
	ptr, length := stage(payload)
	packed := hostExec(ptr, length)
	free(ptr)
	return unpack(packed)
}

func httpRoundTrip(payload []byte) ([]byte, bool) {
	ptr, length := stage(payload)
	packed := hostHTTPRequest(ptr, length)
	free(ptr)
	return unpack(packed)
}

// wasmHost binds the handler-facing capability surface to the real
// host functions.
func wasmHost() *hostFuncs {
	return &hostFuncs{
		exec: func(argv []string) (*execResult, error) {
			payload, err := json.Marshal(map[string]interface{}{"argv": argv})
			if err != nil {
				return nil, err
			}
			raw, ok := execRoundTrip(payload)
			if !ok {
				return nil, errors.New("host_exec returned nothing")
			}
			var envelope struct {
				execResult
				Error string `json:"error"`
			}
			if err := json.Unmarshal(raw, &envelope); err != nil {
				return nil, err
			}
			if envelope.Error != "" {
				return nil, errors.New(envelope.Error)
			}
			res := envelope.execResult
			return &res, nil
		},
		httpStatus: func(method, url string) (int, error) {
			payload, err := json.Marshal(map[string]string{"method": method, "url": url})
			if err != nil {
				return 0, err
			}
			raw, ok := httpRoundTrip(payload)
			if !ok {
				return 0, errors.New("host_http_request returned nothing")
			}
			var envelope struct {
				Status int    `json:"status"`
				Error  string `json:"error"`
			}
			if err := json.Unmarshal(raw, &envelope); err != nil {
				return 0, err
			}
			if envelope.Error != "" {
				return 0, errors.New(envelope.Error)
			}
			return envelope.Status, nil
		},
		log: func(message string) {
			ptr, length := stage([]byte(message))
			if ptr == 0 {
				return
			}
			hostLog(ptr, length)
			free(ptr)
		},
	}
}

//export adapter_create
func adapterCreate(ptr, size uint32) uint64 {
	return pack(dispatchCreate(wasmHost(), view(ptr, size)))
}

//export adapter_delete
func adapterDelete(ptr, size uint32) uint64 {
	return pack(dispatchDelete(wasmHost(), view(ptr, size)))
}

//export adapter_verify
func adapterVerify(ptr, size uint32) uint64 {
	return pack(dispatchVerify(wasmHost(), view(ptr, size)))
}

func main() {}
