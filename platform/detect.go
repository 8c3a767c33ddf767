package platform

// detectPlatform is replaced by OS-specific packages that link themselves
// in; see the root package's platform_linux.go.
var detectPlatform = func() Platform {
	return &unsupportedPlatform{}
}

// Register installs the constructor Detect uses. It is called from init
// functions and is not safe for concurrent use with Detect.
func Register(fn func() Platform) {
	if fn != nil {
		detectPlatform = fn
	}
}
