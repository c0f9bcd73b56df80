package btrfshash

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

var globalVerboseLevel int
var debugFlags map[string]bool
var logOutput io.Writer = os.Stderr

// SetVerboseLevel sets the global verbose level
func SetVerboseLevel(level int) {
	globalVerboseLevel = level
}

// GetVerboseLevel returns the current verbose level
func GetVerboseLevel() int {
	return globalVerboseLevel
}

// SetLogOutput redirects verbose and trace output, stderr by default
func SetLogOutput(w io.Writer) {
	logOutput = w
}

// VerboseEnter logs function entry at level 3+ and returns a defer function for exit logging
func VerboseEnter() func() {
	if globalVerboseLevel < 3 {
		return func() {}
	}

	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return func() {}
	}

	funcName := runtime.FuncForPC(pc).Name()
	if idx := strings.LastIndex(funcName, "/"); idx != -1 {
		funcName = funcName[idx+1:]
	}

	fmt.Fprintf(logOutput, "[TRACE] enter %s\n", funcName)

	return func() {
		fmt.Fprintf(logOutput, "[TRACE] leave %s\n", funcName)
	}
}

// VerboseLog logs a message at the specified verbose level
func VerboseLog(level int, format string, args ...interface{}) {
	if globalVerboseLevel < level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(logOutput, "[VERBOSE-%d] %s\n", level, strings.TrimSuffix(msg, "\n"))
}

// SetDebugFlags sets the debug flags from a comma-separated string
// Supports both simple flags ("lookup,mount") and key:value format ("lookup:true,mount:false")
func SetDebugFlags(flagsStr string) {
	debugFlags = make(map[string]bool)

	for _, flag := range strings.Split(flagsStr, ",") {
		flag = strings.TrimSpace(flag)
		if flag == "" {
			continue
		}

		name, value, hasValue := strings.Cut(flag, ":")
		enabled := true
		if hasValue {
			switch strings.ToLower(value) {
			case "false", "0", "no", "off":
				enabled = false
			}
		}

		debugFlags[strings.ToLower(name)] = enabled
	}
}

// IsDebugEnabled returns true if the specified debug flag is enabled
func IsDebugEnabled(flag string) bool {
	if debugFlags == nil {
		return false
	}
	return debugFlags[strings.ToLower(flag)]
}

// UnknownDebugFlags returns the enabled flags this program does not use
func UnknownDebugFlags() []string {
	var unknown []string
	for name := range debugFlags {
		known := false
		for _, k := range KnownDebugFlags {
			if name == k {
				known = true
				break
			}
		}
		if !known {
			unknown = append(unknown, name)
		}
	}
	return unknown
}
