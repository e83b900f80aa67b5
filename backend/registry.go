package backend

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sync"
)

var (
	// ErrUnrecognizedScheme is returned by Instantiate() when attempting to
	// initialize a Backend with an unrecognized URL scheme.
	ErrUnrecognizedScheme = errors.New("unrecognized backend scheme")

	// ErrSchemeRegistered is returned by Register() when reusing a scheme.
	ErrSchemeRegistered = errors.New("backend scheme already registered")

	// ErrRegistrationWithNonPointerType is returned by Register() when the
	// supplied template is not a pointer; Instantiate could never populate
	// a value type through Deserialize.
	ErrRegistrationWithNonPointerType = errors.New("backend must be registered through a pointer type")
)

// Registry maps URL schemes to Backend types, so backends serialized into
// cache persistence can be revived after a restart.
type Registry struct {
	lk sync.RWMutex
	m  map[string]reflect.Type
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]reflect.Type)}
}

// Register adds a new Backend type to the registry. The backend argument is
// a dummy instance of the Backend type whose reflect.Type token is retained
// to create new instances when requested.
func (r *Registry) Register(scheme string, b Backend) error {
	if reflect.TypeOf(b).Kind() != reflect.Ptr {
		return ErrRegistrationWithNonPointerType
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	if _, ok := r.m[scheme]; ok {
		return fmt.Errorf("%w: %s", ErrSchemeRegistered, scheme)
	}
	r.m[scheme] = reflect.TypeOf(b).Elem()
	return nil
}

// Instantiate creates a new Backend from a URL.
//
// It looks up the backend type in the registry based on the URL scheme,
// constructs a new instance, and calls Deserialize() to populate it.
//
// If it errors, it propagates the error returned by the Backend. If the
// scheme is not recognized, it returns ErrUnrecognizedScheme.
func (r *Registry) Instantiate(u *url.URL) (Backend, error) {
	r.lk.RLock()
	t, ok := r.m[u.Scheme]
	r.lk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedScheme, u.Scheme)
	}

	b := reflect.New(t).Interface().(Backend)
	if err := b.Deserialize(u); err != nil {
		return nil, fmt.Errorf("failed to instantiate backend of type %s with url %s: %w", t.Name(), u, err)
	}
	return b, nil
}
