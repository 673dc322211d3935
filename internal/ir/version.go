package ir

// Version constants stamped into every manifest.
const (
	// ManifestVersion is the manifest schema version.
	ManifestVersion = "1"

	// CompilerVersion is the compiler release that produced the manifest.
	CompilerVersion = "0.4.0"
)
