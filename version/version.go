package version

// Version is overridden at build time via
// -ldflags "-X github.com/openvocab/maskclip/version.Version=...".
var Version string = "0.0.0"
