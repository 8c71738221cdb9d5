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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/errext"
	"github.com/liuxd6825/instrumented/errext/exitcodes"
)

// openBrowser starts a browser session with the consolidated options.
func (c *rootCommand) openBrowser(ctx context.Context) (browser, error) {
	b, err := c.gs.newBrowser(ctx, c.opts, c.logger)
	if err == nil {
		return b, nil
	}

	var cerr *common.ConnectionError
	if errors.As(err, &cerr) {
		return nil, errext.WithExitCodeIfNone(
			errext.WithHint(err, fmt.Sprintf("the DevTools endpoint on port %d did not answer", cerr.Port)),
			exitcodes.ConnectionFailed,
		)
	}
	return nil, errext.WithExitCodeIfNone(
		errext.WithHint(err, "set --chrome-path or INSTRUMENTED_CHROME_PATH to a Chrome or Chromium executable"),
		exitcodes.BrowserLaunch,
	)
}

// loadPage navigates to url and waits for the page. When the page does not
// load in time it is an error if strict, otherwise loading is stopped and
// the page is used as it is.
func (c *rootCommand) loadPage(ctx context.Context, b browser, url string, timeout time.Duration, strict bool) error {
	if timeout <= 0 {
		timeout = c.opts.PageLoadTimeout.TimeDuration()
	}
	if err := b.LoadURL(ctx, url); err != nil {
		return fmt.Errorf("loading %s: %w", url, err)
	}
	if b.WaitForLoad(ctx, timeout) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("loading %s: %w", url, err)
	}

	if strict {
		return errext.WithExitCodeIfNone(
			errext.WithHint(
				fmt.Errorf("%s did not load within %s", url, timeout),
				"raise --timeout or --page-load-timeout",
			),
			exitcodes.PageLoadTimeout,
		)
	}
	c.logger.Warnf("CLI", "%s did not load within %s, using it as is", url, timeout)
	if err := b.Stop(ctx); err != nil {
		return fmt.Errorf("stopping %s: %w", url, err)
	}
	return nil
}

// Output formats of the commands printing results.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func formatFlagSet(format *string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringVar(format, "format", formatText, "output format, one of text,json,yaml")
	return flags
}

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return errext.WithExitCodeIfNone(
		fmt.Errorf("unsupported output format '%s'", format), exitcodes.InvalidConfig)
}

// printResult writes v to w in format, using text for the text format.
func printResult(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case formatJSON:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		fprintf(w, "%s\n", b)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		return enc.Close() //nolint:wrapcheck
	default:
		text(w)
	}
	return nil
}
