package btrfshash

// InitDebugFlags initialises debug flags from configuration and the command
// line, the command line taking precedence
func InitDebugFlags(configFlags, cliFlags string) {
	if cliFlags != "" {
		SetDebugFlags(cliFlags)
	} else {
		SetDebugFlags(configFlags)
	}
}

// LogDebugFlags logs the debug flags in effect
func LogDebugFlags() {
	for _, name := range KnownDebugFlags {
		if IsDebugEnabled(name) {
			VerboseLog(1, "debug flag %s enabled", name)
		}
	}
	for _, name := range UnknownDebugFlags() {
		VerboseLog(1, "ignoring unknown debug flag %s", name)
	}
}

// HashFile hashes one file with default options
func HashFile(filePath string) (uint64, error) {
	res, err := NewHasher(DefaultOptions()).HashFile(filePath)
	if err != nil {
		return 0, err
	}
	return res.Digest, nil
}
