package jsruntime

// Version is the library version, set at build time for release builds.
var Version = "dev"
