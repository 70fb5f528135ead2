package version

// Version is overridden at release time via -ldflags "-X idsweep/version.Version=...".
var Version = "dev"
