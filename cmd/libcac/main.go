// Command libcac builds the c-shared library used by foreign runtimes:
//
//	go build -buildmode=c-shared -o libcac_client.so ./cmd/libcac
//
// Every string crossing the boundary is a NUL terminated UTF-8 buffer. Strings
// returned to the caller must be released with cac_free_string.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"cac-client/internal/binding"
)

func goBytes(s *C.char) []byte {
	if s == nil {
		return nil
	}
	return []byte(C.GoString(s))
}

func cString(out []byte, status int) *C.char {
	if status != binding.StatusOK {
		return nil
	}
	return C.CString(string(out))
}

//export cac_new_client
func cac_new_client(tenant *C.char, frequency C.ulong, hostname *C.char) C.int {
	return C.int(binding.Default().NewClient(goBytes(tenant), uint64(frequency), goBytes(hostname)))
}

//export cac_last_error_message
func cac_last_error_message() *C.char {
	msg := binding.Default().LastError()
	if msg == "" {
		return nil
	}
	return C.CString(msg)
}

//export cac_free_string
func cac_free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export cac_get_resolved_config
func cac_get_resolved_config(tenant, query, prefixes, mergeStrategy *C.char, showReasoning C.int) *C.char {
	return cString(binding.Default().ResolvedConfig(
		goBytes(tenant), goBytes(query), goBytes(prefixes), goBytes(mergeStrategy), showReasoning != 0,
	))
}

//export cac_get_default_config
func cac_get_default_config(tenant, prefixes *C.char) *C.char {
	return cString(binding.Default().DefaultConfig(goBytes(tenant), goBytes(prefixes)))
}

//export cac_get_last_modified
func cac_get_last_modified(tenant *C.char) *C.char {
	return cString(binding.Default().LastModified(goBytes(tenant)))
}

//export cac_free_client
func cac_free_client(tenant *C.char) C.int {
	return C.int(binding.Default().FreeClient(goBytes(tenant)))
}

func main() {}
