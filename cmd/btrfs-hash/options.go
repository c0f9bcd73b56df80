package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// OptionType defines the type of value an option expects
type OptionType int

const (
	OptionTypeBool   OptionType = iota
	OptionTypeString            // Takes one value, the last one given wins
	OptionTypeCount             // Counts repetitions (-vvv), or takes a number (--verbose=2)
	OptionTypeList              // Takes one value per occurrence, all are kept
)

// OptionDef defines a command-line option
type OptionDef struct {
	Long        string     // Long option name (without --)
	Short       string     // Short option name (without -)
	Type        OptionType // Type of value expected
	Description string     // Help description
	Default     string     // Default value
}

// ParsedOptions holds the parsed command-line options
type ParsedOptions struct {
	values        map[string]string
	lists         map[string][]string
	args          []string
	defs          map[string]*OptionDef
	order         []string          // Long names in definition order, for usage
	shortMap      map[string]string // Maps short options to long options
	explicitlySet map[string]bool   // Tracks which options were explicitly set
}

// NewParsedOptions creates a new options parser
func NewParsedOptions() *ParsedOptions {
	return &ParsedOptions{
		values:        make(map[string]string),
		lists:         make(map[string][]string),
		defs:          make(map[string]*OptionDef),
		shortMap:      make(map[string]string),
		explicitlySet: make(map[string]bool),
	}
}

// DefineOption defines a command-line option
func (p *ParsedOptions) DefineOption(long, short string, optType OptionType, defaultValue, description string) {
	p.defs[long] = &OptionDef{
		Long:        long,
		Short:       short,
		Type:        optType,
		Description: description,
		Default:     defaultValue,
	}
	p.order = append(p.order, long)
	if short != "" {
		p.shortMap[short] = long
	}
	if defaultValue != "" {
		p.values[long] = defaultValue
	}
}

// Parse parses command-line arguments. Options and arguments may be mixed;
// everything after "--" is an argument.
func (p *ParsedOptions) Parse(args []string) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch {
		case arg == "--":
			p.args = append(p.args, args[i+1:]...)
			return nil
		case strings.HasPrefix(arg, "--"):
			if err := p.parseLongOption(arg); err != nil {
				return err
			}
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			consumedNext, err := p.parseShortOptions(arg, args[i+1:])
			if err != nil {
				return err
			}
			if consumedNext {
				i++
			}
		default:
			p.args = append(p.args, arg)
		}
	}
	return nil
}

// parseLongOption parses a long option (--option or --option=value)
func (p *ParsedOptions) parseLongOption(arg string) error {
	optName, optValue, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")

	def, exists := p.defs[optName]
	if !exists {
		return fmt.Errorf("unknown option: --%s", optName)
	}

	switch def.Type {
	case OptionTypeBool:
		if !hasValue {
			p.set(optName, "true")
			return nil
		}
		switch optValue {
		case "true", "1":
			p.set(optName, "true")
		case "false", "0":
			p.set(optName, "false")
		default:
			return fmt.Errorf("invalid boolean value for --%s: %s", optName, optValue)
		}

	case OptionTypeCount:
		if !hasValue {
			p.increment(optName)
			return nil
		}
		if _, err := strconv.Atoi(optValue); err != nil {
			return fmt.Errorf("invalid integer value for --%s: %s", optName, optValue)
		}
		p.set(optName, optValue)

	case OptionTypeString, OptionTypeList:
		if !hasValue || optValue == "" {
			return fmt.Errorf("option --%s requires a value (use --%s=value)", optName, optName)
		}
		p.setValue(def, optValue)
	}

	return nil
}

// parseShortOptions parses a cluster of short options (-v, -vvv, -o value,
// -ovalue). It reports whether the following argument was taken as a value.
func (p *ParsedOptions) parseShortOptions(arg string, rest []string) (bool, error) {
	cluster := strings.TrimPrefix(arg, "-")

	for pos, r := range cluster {
		short := string(r)
		longOpt, exists := p.shortMap[short]
		if !exists {
			return false, fmt.Errorf("unknown option: -%s", short)
		}
		def := p.defs[longOpt]

		switch def.Type {
		case OptionTypeBool:
			p.set(longOpt, "true")
		case OptionTypeCount:
			p.increment(longOpt)
		case OptionTypeString, OptionTypeList:
			// The value is the rest of the cluster, or the next argument
			if attached := cluster[pos+len(short):]; attached != "" {
				p.setValue(def, attached)
				return false, nil
			}
			if len(rest) == 0 || strings.HasPrefix(rest[0], "-") {
				return false, fmt.Errorf("option -%s requires a value", short)
			}
			p.setValue(def, rest[0])
			return true, nil
		}
	}

	return false, nil
}

func (p *ParsedOptions) set(option, value string) {
	p.values[option] = value
	p.explicitlySet[option] = true
}

func (p *ParsedOptions) setValue(def *OptionDef, value string) {
	if def.Type == OptionTypeList {
		p.lists[def.Long] = append(p.lists[def.Long], value)
		p.explicitlySet[def.Long] = true
		return
	}
	p.set(def.Long, value)
}

// increment counts one more occurrence, discarding any default
func (p *ParsedOptions) increment(option string) {
	count := 0
	if p.explicitlySet[option] {
		count = p.GetInt(option)
	}
	p.set(option, strconv.Itoa(count+1))
}

// GetString returns a string option value
func (p *ParsedOptions) GetString(option string) string {
	return p.values[option]
}

// GetStrings returns every value given for a list option, in order
func (p *ParsedOptions) GetStrings(option string) []string {
	return p.lists[option]
}

// GetInt returns an integer option value
func (p *ParsedOptions) GetInt(option string) int {
	if val, exists := p.values[option]; exists {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return 0
}

// GetBool returns a boolean option value
func (p *ParsedOptions) GetBool(option string) bool {
	return p.values[option] == "true"
}

// IsSet returns true if an option was explicitly set
func (p *ParsedOptions) IsSet(option string) bool {
	return p.explicitlySet[option]
}

// GetArgs returns non-option arguments
func (p *ParsedOptions) GetArgs() []string {
	return p.args
}

// ShowOptions writes one help entry per option, in definition order
func (p *ParsedOptions) ShowOptions(w io.Writer) {
	for _, long := range p.order {
		def := p.defs[long]

		shortOpt := "    "
		if def.Short != "" {
			shortOpt = fmt.Sprintf("-%s, ", def.Short)
		}

		var valueDesc string
		switch def.Type {
		case OptionTypeString, OptionTypeList:
			valueDesc = "=VALUE"
		case OptionTypeCount:
			valueDesc = "[=N]"
		}

		name := "--" + def.Long + valueDesc
		fmt.Fprintf(w, "  %s%-22s %s\n", shortOpt, name, def.Description)
	}
}
