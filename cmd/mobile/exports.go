//go:build cgo

// All exported functions use C calling convention and can be called from Dart FFI.
// The //export directives automatically generate C function declarations.
// Functions returning *C.char return NULL on failure; call GetLastError for
// the reason. Every non-NULL string must be released with FreeString.

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

func result(s string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

func status(err error) C.int {
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export CoreOpen
// CoreOpen loads the config at path (empty for the default) and starts the
// offline core. Returns the status JSON.
func CoreOpen(configPath *C.char) *C.char {
	return result(core.open(C.GoString(configPath)))
}

//export CoreClose
// CoreClose stops background work and closes local storage.
func CoreClose() C.int {
	return status(core.close())
}

//export ConnectivityChanged
// ConnectivityChanged reports a platform network callback. reachable is
// 1, 0, or -1 when the platform cannot tell.
func ConnectivityChanged(isConnected C.int, reachable C.int) *C.char {
	return result(core.connectivityChanged(isConnected != 0, int(reachable)))
}

//export QueuePending
// QueuePending returns the queued mutations in replay order.
func QueuePending() *C.char {
	return result(core.pending())
}

//export DrainNow
// DrainNow replays the queue and returns the drain result.
func DrainNow() *C.char {
	return result(core.drainNow())
}

//export Logout
// Logout clears the queue and the cache.
func Logout() C.int {
	return status(core.logout())
}

//export History
func History() *C.char {
	return result(core.history())
}

//export WorkoutDetail
func WorkoutDetail(workoutID *C.char) *C.char {
	return result(core.workoutDetail(C.GoString(workoutID)))
}

//export StatsSummary
func StatsSummary() *C.char {
	return result(core.statsSummary())
}

//export EditSet
// EditSet applies a JSON set patch, queueing it while offline.
func EditSet(setID, patchJSON *C.char) *C.char {
	return result(core.editSet(C.GoString(setID), C.GoString(patchJSON)))
}

//export DeleteSet
func DeleteSet(setID *C.char) *C.char {
	return result(core.deleteSet(C.GoString(setID)))
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	return C.CString(lastError())
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
