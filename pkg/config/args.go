package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cosiner/argv"
)

// SplitArgs parses a command line fragment with bash quoting rules into an
// argument vector. It is used for the args and build-flags settings, where
// a single string has to become an argv.
func SplitArgs(cmdline string) ([]string, error) {
	if strings.TrimSpace(cmdline) == "" {
		return nil, nil
	}
	sections, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in %q", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(sections) > 1 {
		return nil, errors.New("command pipelines are not supported here")
	}
	if len(sections) == 0 {
		return nil, nil
	}
	return sections[0], nil
}
