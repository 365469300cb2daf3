//go:build !debug_heap

package envelope

// Default is the layout heaps use when none is requested. Builds tagged debug_heap get guard bands.
var Default = Release
