package internal

// Version is the build version. Overridden at build time with
// -ldflags "-X github.com/nearforge/ftgate/internal.Version=...".
var Version = "dev"
