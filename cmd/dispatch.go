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
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/errext"
	"github.com/liuxd6825/instrumented/errext/exitcodes"
)

type dispatchResult struct {
	Selector          string `json:"selector" yaml:"selector"`
	EventType         string `json:"event_type" yaml:"event_type"`
	NavigationStarted bool   `json:"navigation_started" yaml:"navigation_started"`
	URL               string `json:"url,omitempty" yaml:"url,omitempty"`
}

type cmdDispatch struct {
	root    *rootCommand
	timeout time.Duration
	wait    time.Duration
	format  string
}

func (c *cmdDispatch) run(cmd *cobra.Command, args []string) error {
	if err := validateFormat(c.format); err != nil {
		return err
	}
	ctx := cmd.Context()
	res := dispatchResult{Selector: args[1], EventType: args[2]}
	if !common.ValidEventType(res.EventType) {
		return errext.WithExitCodeIfNone(
			errext.WithHint(
				fmt.Errorf("%w: %q", common.ErrInvalidEventType, res.EventType),
				"event types may only contain letters and dots",
			),
			exitcodes.InvalidConfig,
		)
	}

	b, err := c.root.openBrowser(ctx)
	if err != nil {
		return err
	}
	defer b.Terminate()

	if err := c.root.loadPage(ctx, b, args[0], c.timeout, false); err != nil {
		return err
	}

	if err := b.DispatchJSEvent(ctx, res.Selector, res.EventType); err != nil {
		if errors.Is(err, common.ErrEventRejected) {
			err = errext.WithHint(err, fmt.Sprintf("no element matches %q", res.Selector))
		}
		return errext.WithExitCodeIfNone(fmt.Errorf("dispatching %s: %w", res.EventType, err), exitcodes.EvaluationFailed)
	}

	res.NavigationStarted = b.NavigationStarted(ctx, c.wait)
	if res.NavigationStarted {
		if !b.WaitForLoad(ctx, c.timeout) {
			c.root.logger.Warnf("CLI", "navigation after %s did not finish loading", res.EventType)
		}
		res.URL, _ = b.URL(ctx)
	}

	return printResult(cmd.OutOrStdout(), c.format, res, func(w io.Writer) {
		fprintf(w, "dispatched %s on %s\n", res.EventType, res.Selector)
		if !res.NavigationStarted {
			fprintf(w, "navigation started: false\n")
			return
		}
		fprintf(w, "navigation started: true\nurl: %s\n", res.URL)
	})
}

func getCmdDispatch(root *rootCommand) *cobra.Command {
	c := &cmdDispatch{root: root}

	cmd := &cobra.Command{
		Use:   "dispatch URL SELECTOR EVENT",
		Short: "Dispatch an event on an element and report whether it navigated",
		Example: `  instrumented dispatch https://example.com/ '#menu > a:nth-child(2)' click
  instrumented dispatch --wait 3s https://example.com/ form submit`,
		Args: exactArgsWithMsg(3, "args should be the URL to load, the element selector and the event type"),
		RunE: c.run,
	}
	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(browserFlagSet())
	cmd.Flags().DurationVar(&c.timeout, "timeout", 0, "how long to wait for a page, defaults to the page load timeout")
	cmd.Flags().DurationVar(&c.wait, "wait", 0,
		"how long to wait for a navigation after the event, defaults to the navigation started timeout")
	cmd.Flags().AddFlagSet(formatFlagSet(&c.format))
	return cmd
}
