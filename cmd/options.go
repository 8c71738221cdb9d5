/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/instrumented/errext"
	"github.com/liuxd6825/instrumented/errext/exitcodes"
	"github.com/liuxd6825/instrumented/instrumented"
)

const configEnvVar = "INSTRUMENTED_CONFIG"

// browserFlagSet holds the flags of the commands starting a browser.
func browserFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.String("chrome-path", "", "path of the Chrome or Chromium executable")
	flags.StringArray("chrome-arg", nil, "extra browser flag, can be repeated")
	flags.Bool("headless", true, "run the browser without a window")
	flags.String("proxy-host", "", "interface the recording proxy listens on")
	flags.Duration("start-timeout", 0, "how long to wait for the browser to start")
	flags.Duration("page-load-timeout", 0, "how long to wait for a page to load")
	flags.Duration("evaluate-timeout", 0, "how long an expression may run in the page")
	flags.Int64("page-size", 0, "number of items fetched from the page per call")
	flags.StringArray("extra-script", nil, "script file evaluated in every new document, can be repeated")
	flags.Bool("capture-js-errors", true, "collect uncaught page errors")
	flags.String("debugging-id", "", "id added to the log lines of the session")
	return flags
}

func optionsFromFlags(flags *pflag.FlagSet) instrumented.Options {
	return instrumented.Options{
		ChromePath:      getNullString(flags, "chrome-path"),
		ChromeArgs:      getStringArray(flags, "chrome-arg"),
		Headless:        getNullBool(flags, "headless"),
		ProxyHost:       getNullString(flags, "proxy-host"),
		StartTimeout:    getNullDuration(flags, "start-timeout"),
		PageLoadTimeout: getNullDuration(flags, "page-load-timeout"),
		EvaluateTimeout: getNullDuration(flags, "evaluate-timeout"),
		PageSize:        getNullInt64(flags, "page-size"),
		ExtraScripts:    getStringArray(flags, "extra-script"),
		CaptureJSErrors: getNullBool(flags, "capture-js-errors"),
		DebuggingID:     getNullString(flags, "debugging-id"),
	}
}

// loadOptions layers the defaults, the config file, the environment and
// the flags, later sources winning.
func (c *rootCommand) loadOptions(flags *pflag.FlagSet) (instrumented.Options, error) {
	invalid := func(err error) error {
		return errext.WithExitCodeIfNone(
			errext.WithHint(err, "check the config file, the INSTRUMENTED_* environment variables and the flags"),
			exitcodes.InvalidConfig,
		)
	}

	conf, err := c.readConfigFile(flags)
	if err != nil {
		return instrumented.Options{}, invalid(err)
	}
	opts, err := instrumented.ConsolidateOptions(conf, c.gs.envVars)
	if err != nil {
		return opts, invalid(err)
	}
	opts = opts.Apply(optionsFromFlags(flags))
	if err := opts.Validate(); err != nil {
		return opts, invalid(err)
	}
	return opts, nil
}

// readConfigFile returns the content of the config file named by the flag
// or the environment. A missing file is only an error when it was asked
// for with the flag.
func (c *rootCommand) readConfigFile(flags *pflag.FlagSet) ([]byte, error) {
	path := c.configFilePath
	explicit := flags.Changed("config")
	if !explicit {
		path = c.gs.envVars[configEnvVar]
	}
	if path == "" {
		return nil, nil
	}

	data, err := afero.ReadFile(c.gs.fs, path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		c.logger.Debugf("CLI", "config file %q not found, ignoring it", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return data, nil
}
