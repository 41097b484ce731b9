package lexedge

// Version is the release version, overridden at build time with -ldflags.
var Version = "0.1.0"
