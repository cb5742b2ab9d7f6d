// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Settings holds named parameters of a program (number of steps, proposal sigma, etc.), with their
// default values. The type of the default value defines how a new value is parsed.
//
// Supported types are int, int64, float64, bool, string, []int, []float64 and []string.
type Settings map[string]any

// Get returns the value of the parameter key converted to T, or defaultValue if it is not set or has a different type.
func Get[T any](s Settings, key string, defaultValue T) T {
	value, found := s[key]
	if !found {
		return defaultValue
	}
	typed, ok := value.(T)
	if !ok {
		return defaultValue
	}
	return typed
}

// Parse the settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters must already be set with default values, which are used to select the type
// the values are parsed to. For integer types, "_" is removed: it allows one to enter large numbers using it
// as a separator, like in Go. E.g.: 1_000_000 = 1000000.
//
// An entry "file:<path>" reads the settings from the file, one or more per line, and lines starting
// with "#" are ignored.
//
// It returns the list of parameters set, in order.
//
// Example usage:
//
//	func main() {
//		settings := commandline.Settings{"steps": 10_000, "sigma": 0.1}
//		settingsFlag := commandline.CreateSettingsFlag(settings, "")
//		flag.Parse()
//		_, err := settings.Parse(*settingsFlag)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintSettings(settings))
//		...
//	}
func (s Settings) Parse(settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = s.parseSetting(setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func (s Settings) parseSetting(setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = s.parseSetting(lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	value, found := s[key]
	if !found {
		err = errors.Errorf("can't set parameter %q: unknown parameter, known parameters are %q",
			key, slices.Sorted(maps.Keys(s)))
		return
	}

	// Parse value accordingly.
	switch v := value.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		var ints []int
		for _, part := range strings.Split(valueStr, ",") {
			var asInt int
			if err = json.Unmarshal([]byte(strings.ReplaceAll(part, "_", "")), &asInt); err != nil {
				break
			}
			ints = append(ints, asInt)
		}
		value = ints
	case []float64:
		var floats []float64
		for _, part := range strings.Split(valueStr, ",") {
			var asFloat float64
			if err = json.Unmarshal([]byte(part), &asFloat); err != nil {
				break
			}
			floats = append(floats, asFloat)
		}
		value = floats
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, key, s[key])
		return
	}
	s[key] = value
	newParamsSet = append(newParamsSet, key)
	return
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters in settings and their defaults.
//
// The flag should be created before the call to `flags.Parse()`.
func CreateSettingsFlag(settings Settings, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set parameters of the program. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, key := range slices.Sorted(maps.Keys(settings)) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, settings[key]))
	}
	var value string
	flag.StringVar(&value, flagName, "", strings.Join(parts, "\n"))
	return &value
}

// SprintSettings pretty-prints the settings, sorted by name.
func SprintSettings(settings Settings) string {
	var parts []string
	for _, key := range slices.Sorted(maps.Keys(settings)) {
		value := settings[key]
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
