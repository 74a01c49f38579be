package hashjson

import (
	"fmt"
	"reflect"
	"sync"
)

var (
	// These fields are used to map the registered types to method names.
	registerLock         sync.RWMutex
	methodToConcreteType = make(map[string]reflect.Type)
	concreteTypeToMethod = make(map[reflect.Type]string)
)

// RegisterNtfn registers a new notification type that will be automatically
// marshalled by MarshalNtfn and recognized by NtfnMethod.  The provided ntfn
// must be a pointer to a struct and the method must not already be
// registered.
func RegisterNtfn(method string, ntfn interface{}) error {
	registerLock.Lock()
	defer registerLock.Unlock()

	if _, ok := methodToConcreteType[method]; ok {
		str := fmt.Sprintf("method %q is already registered", method)
		return makeError(ErrDuplicateMethod, str)
	}

	rtp := reflect.TypeOf(ntfn)
	if rtp == nil || rtp.Kind() != reflect.Ptr || rtp.Elem().Kind() != reflect.Struct {
		str := fmt.Sprintf("type must be *struct not '%v'", rtp)
		return makeError(ErrInvalidType, str)
	}

	methodToConcreteType[method] = rtp
	concreteTypeToMethod[rtp] = method
	return nil
}

// MustRegisterNtfn performs the same function as RegisterNtfn except it
// panics if there is an error.  This should only be called from package init
// functions.
func MustRegisterNtfn(method string, ntfn interface{}) {
	if err := RegisterNtfn(method, ntfn); err != nil {
		panic(fmt.Sprintf("failed to register type %q: %v", method, err))
	}
}

// NtfnMethod returns the method for the passed notification.  The provided
// notification type must be a registered type.
func NtfnMethod(ntfn interface{}) (string, error) {
	rt := reflect.TypeOf(ntfn)
	registerLock.RLock()
	method, ok := concreteTypeToMethod[rt]
	registerLock.RUnlock()
	if !ok {
		str := fmt.Sprintf("%v is not registered", rt)
		return "", makeError(ErrUnregisteredMethod, str)
	}
	return method, nil
}
