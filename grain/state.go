package grain

import "reflect"

// StateSet maps a type to at most one value of that type.
type StateSet struct {
	m map[reflect.Type]any
}

// Len returns the number of stored values.
func (s *StateSet) Len() int { return len(s.m) }

func keyOf[T any]() reflect.Type { return reflect.TypeFor[T]() }

// Get returns the value stored for T. A nil interface value stored for an
// interface type T comes back as T's zero value with ok set.
func Get[T any](s *StateSet) (T, bool) {
	v, ok := s.m[keyOf[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	t, _ := v.(T)
	return t, true
}

// Insert stores v as the value for T, returning the value it replaced.
func Insert[T any](s *StateSet, v T) (T, bool) {
	if s.m == nil {
		s.m = make(map[reflect.Type]any)
	}
	k := keyOf[T]()
	prev, ok := s.m[k]
	s.m[k] = v
	if !ok {
		var zero T
		return zero, false
	}
	t, _ := prev.(T)
	return t, true
}

// Remove deletes and returns the value for T.
func Remove[T any](s *StateSet) (T, bool) {
	k := keyOf[T]()
	v, ok := s.m[k]
	if !ok {
		var zero T
		return zero, false
	}
	delete(s.m, k)
	t, _ := v.(T)
	return t, true
}

// GetOrInsert returns the value for T, storing fn() first when absent.
func GetOrInsert[T any](s *StateSet, fn func() T) T {
	if v, ok := Get[T](s); ok {
		return v
	}
	v := fn()
	Insert(s, v)
	return v
}
