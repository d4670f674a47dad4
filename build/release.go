package build

// Release identifies which build variant is running. It is "standard" by
// default; the engine's test binary switches it to "testing" from an init
// in internal/engine/engine_test.go, and development builds can set it to
// "dev" through -ldflags. Select (var.go) uses it to pick timing constants
// that would otherwise make the test suite slow or flaky.
var Release = "standard"

// DEBUG enables additional sanity checks and causes Critical/Severe to
// panic instead of merely logging. It is off by default and is only ever
// turned on via -ldflags for developer builds.
var DEBUG = false
