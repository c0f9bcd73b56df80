package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/google/vectorio"

	btrfshash "github.com/mattkeenan/btrfshash/pkg"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func defineOptions() *ParsedOptions {
	options := NewParsedOptions()

	options.DefineOption("help", "h", OptionTypeBool, "false", "Show help message")
	options.DefineOption("version", "", OptionTypeBool, "false", "Show version information")
	options.DefineOption("verbose", "v", OptionTypeCount, "0", "Enable verbose output (can be repeated for more verbosity)")
	options.DefineOption("debug", "", OptionTypeString, "", "Comma-separated debug flags (lookup, mount, verifynodes)")
	options.DefineOption("config", "", OptionTypeString, "", "Configuration file (default: "+btrfshash.DefaultConfigPath()+")")
	options.DefineOption("override", "o", OptionTypeList, "", "Override a configuration setting as key:value (repeatable)")
	options.DefineOption("mountinfo", "", OptionTypeString, "", "Mount table to resolve devices from")
	options.DefineOption("direct", "", OptionTypeBool, "false", "Hash the file's bytes without trying the checksum index")
	options.DefineOption("no-fallback", "", OptionTypeBool, "false", "Fail instead of reading the file when the index lookup fails")
	options.DefineOption("write-config", "", OptionTypeBool, "false", "Write the effective configuration to the config file and exit")

	return options
}

// run executes one invocation and returns the exit status. The digest is
// written to stdout's descriptor directly.
func run(args []string, stdout, stderr *os.File) int {
	options := defineOptions()

	if err := options.Parse(args); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", btrfshash.ProgramName, err)
		fmt.Fprintf(stderr, "Try '%s --help' for more information.\n", btrfshash.ProgramName)
		return 1
	}

	if options.GetBool("version") {
		fmt.Fprintf(stdout, "%s %s\n", btrfshash.ProgramName, btrfshash.Version)
		return 0
	}
	if options.GetBool("help") {
		showHelp(stdout, options)
		return 0
	}

	cfg, err := loadConfig(options)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", btrfshash.ProgramName, err)
		return 1
	}

	if options.GetBool("write-config") {
		if err := cfg.Save(); err != nil {
			fmt.Fprintf(stderr, "%s: failed to write config: %v\n", btrfshash.ProgramName, err)
			return 1
		}
		fmt.Fprintf(stderr, "%s: wrote %s\n", btrfshash.ProgramName, cfg.Path())
		return 0
	}

	files := options.GetArgs()
	if len(files) != 1 {
		showUsage(stderr)
		return 1
	}

	btrfshash.SetLogOutput(stderr)
	verboseConfig := cfg.GetVerboseConfig()
	level := verboseConfig.Level
	if options.IsSet("verbose") {
		level = options.GetInt("verbose")
	}
	if level > 3 {
		level = 3
	}
	btrfshash.SetVerboseLevel(level)
	btrfshash.InitDebugFlags(verboseConfig.Debug, options.GetString("debug"))
	btrfshash.LogDebugFlags()

	hashOpts, err := btrfshash.OptionsFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", btrfshash.ProgramName, err)
		return 1
	}
	if options.GetBool("direct") {
		hashOpts.Direct = true
	}
	hashOpts.NoFallback = options.GetBool("no-fallback")

	hasher := btrfshash.NewHasher(hashOpts)
	hasher.SetNotice(stderr)

	res, err := hasher.HashFile(files[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", btrfshash.ProgramName, err)
		return 1
	}
	btrfshash.VerboseLog(1, "digest of %s from %s path", files[0], res.Method)

	if err := writeDigest(stdout, res.Digest); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", btrfshash.ProgramName, err)
		return 1
	}
	return 0
}

// loadConfig reads the configuration file and applies command-line overrides
func loadConfig(options *ParsedOptions) (*btrfshash.Config, error) {
	path := options.GetString("config")
	if path == "" {
		path = btrfshash.DefaultConfigPath()
	}

	cfg, err := btrfshash.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	overrides := options.GetStrings("override")
	if mi := options.GetString("mountinfo"); mi != "" {
		overrides = append(overrides, "mountinfo:"+mi)
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, fmt.Errorf("invalid override: %w", err)
	}
	return cfg, nil
}

// writeDigest writes the digest and its newline in one writev
func writeDigest(out *os.File, digest uint64) error {
	hex := []byte(btrfshash.FormatDigest(digest))
	newline := []byte{'\n'}

	iovecs := []syscall.Iovec{{Base: &hex[0]}, {Base: &newline[0]}}
	iovecs[0].SetLen(len(hex))
	iovecs[1].SetLen(len(newline))
	nw, err := vectorio.WritevRaw(out.Fd(), iovecs)
	if err != nil {
		return fmt.Errorf("failed to write digest: %w", err)
	}
	if nw != len(hex)+1 {
		return fmt.Errorf("digest write incomplete: wrote %d bytes, expected %d", nw, len(hex)+1)
	}
	return nil
}

func showUsage(w *os.File) {
	fmt.Fprintf(w, "Usage: %s [OPTIONS] FILE\n", btrfshash.ProgramName)
	fmt.Fprintf(w, "Try '%s --help' for more information.\n", btrfshash.ProgramName)
}

func showHelp(w *os.File, options *ParsedOptions) {
	fmt.Fprintf(w, "%s - fingerprint a file on btrfs from its data checksums\n\n", btrfshash.ProgramName)
	fmt.Fprintf(w, "Usage: %s [OPTIONS] FILE\n\n", btrfshash.ProgramName)
	fmt.Fprintf(w, "Prints a 64-bit digest as 16 hex digits. The digest is built from the\n")
	fmt.Fprintf(w, "checksums btrfs keeps for the file's extents, so the data itself is not\n")
	fmt.Fprintf(w, "read. If the checksums cannot be used the file is read directly instead,\n")
	fmt.Fprintf(w, "which gives a different digest for the same content.\n\n")

	fmt.Fprintf(w, "Options:\n")
	options.ShowOptions(w)

	fmt.Fprintf(w, "\nOverride keys:\n")
	fmt.Fprintf(w, "  level, debug, mountinfo, fstype, enabled, node_cache, verify_nodes\n\n")

	fmt.Fprintf(w, "Examples:\n")
	fmt.Fprintf(w, "  %s /mnt/data/disk.img\n", btrfshash.ProgramName)
	fmt.Fprintf(w, "  %s -vv --debug=lookup /mnt/data/disk.img\n", btrfshash.ProgramName)
	fmt.Fprintf(w, "  %s -o node_cache:64M -o verify_nodes:true /mnt/data/disk.img\n", btrfshash.ProgramName)
}
