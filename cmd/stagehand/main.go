// Command stagehand stages disposable web application environments and
// throwaway databases for integration tests. The same binary is re-executed
// as the detached cleanup watcher.
package main

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	SetVersion(version)
	Execute()
}
