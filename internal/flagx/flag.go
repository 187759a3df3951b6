// Package flagx lets several components parse their own subset of the
// process arguments without tripping over each other's flags.
package flagx

import (
	"flag"
	"strings"
)

// Spec describes a recognised flag. Valued flags consume the following
// argument when it is not itself a flag; switches never do.
type Spec struct {
	Name   string
	Valued bool
}

// Valued returns specs for flags that take a value.
func Valued(names ...string) []Spec {
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		specs = append(specs, Spec{Name: n, Valued: true})
	}
	return specs
}

// Switches returns specs for boolean flags.
func Switches(names ...string) []Spec {
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		specs = append(specs, Spec{Name: n})
	}
	return specs
}

// FilterArgs keeps only the recognised flags (and their values) from args,
// preserving order. Both "-f value" and "-f=value" forms are understood.
// A dashed token is never taken as a value. The result is never nil.
func FilterArgs(args []string, specs ...Spec) []string {
	kept, _ := split(args, specs)
	return kept
}

// StripArgs is the complement of FilterArgs: it returns everything except
// the recognised flags and their values. The result is never nil.
func StripArgs(args []string, specs ...Spec) []string {
	_, rest := split(args, specs)
	return rest
}

func split(args []string, specs []Spec) (kept, rest []string) {
	known := make(map[string]Spec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}

	kept = make([]string, 0, len(args))
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			rest = append(rest, arg)
			continue
		}

		name, _, hasValue := strings.Cut(arg, "=")
		spec, ok := known[name]
		if !ok {
			rest = append(rest, arg)
			continue
		}
		kept = append(kept, arg)

		if hasValue || !spec.Valued {
			continue
		}
		if next := i + 1; next < len(args) && !strings.HasPrefix(args[next], "-") {
			kept = append(kept, args[next])
			i = next
		}
	}
	return kept, rest
}

// ConfigPath extracts the JSON config file path given via -c or -config.
// It returns "" when neither is present.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file (short)")
	_ = fs.Parse(FilterArgs(args, Valued("-c", "-config", "--config")...))

	return path
}
