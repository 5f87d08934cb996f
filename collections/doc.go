// Package collections provides generic data structures for Go applications.
//
// This package includes implementations of common collection types:
// ArrayList, LinkedList, Stack and Queue, each with a synchronized variant.
// It also defines a Set interface, for which this package has no
// implementation. All collections support generics for type-safe usage.
package collections
