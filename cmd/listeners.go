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
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/instrumented/common"
)

type listenersResult struct {
	Listeners []map[string]any `json:"listeners" yaml:"listeners"`
	Timeouts  []map[string]any `json:"timeouts" yaml:"timeouts"`
	Intervals []map[string]any `json:"intervals" yaml:"intervals"`
}

type cmdListeners struct {
	root       *rootCommand
	timeout    time.Duration
	eventTypes []string
	tagNames   []string
	format     string
}

func (c *cmdListeners) run(cmd *cobra.Command, args []string) error {
	if err := validateFormat(c.format); err != nil {
		return err
	}
	ctx := cmd.Context()

	b, err := c.root.openBrowser(ctx)
	if err != nil {
		return err
	}
	defer b.Terminate()

	if err := c.root.loadPage(ctx, b, args[0], c.timeout, false); err != nil {
		return err
	}

	res := listenersResult{
		Listeners: []map[string]any{},
		Timeouts:  []map[string]any{},
		Intervals: []map[string]any{},
	}
	filter := common.EventListenerFilter{EventTypes: c.eventTypes, TagNames: c.tagNames}
	for l := range b.AllEventListeners(ctx, filter) {
		res.Listeners = append(res.Listeners, l.Fields())
	}
	for t := range b.JSSetTimeouts(ctx) {
		res.Timeouts = append(res.Timeouts, t)
	}
	for t := range b.JSSetIntervals(ctx) {
		res.Intervals = append(res.Intervals, t)
	}

	return printResult(cmd.OutOrStdout(), c.format, res, func(w io.Writer) {
		for _, l := range res.Listeners {
			fprintf(w, "%v %v (%v)\n", l["event_type"], l["selector"], l["tag_name"])
		}
		for _, t := range res.Timeouts {
			fprintf(w, "setTimeout %vms\n", t["timeout"])
		}
		for _, t := range res.Intervals {
			fprintf(w, "setInterval %vms\n", t["timeout"])
		}
	})
}

func getCmdListeners(root *rootCommand) *cobra.Command {
	c := &cmdListeners{root: root}

	cmd := &cobra.Command{
		Use:   "listeners URL",
		Short: "List the event listeners, timeouts and intervals of a page",
		Example: `  instrumented listeners https://example.com/
  instrumented listeners --event click --tag button --tag a --format yaml https://example.com/`,
		Args: exactArgsWithMsg(1, "arg should be the URL to load"),
		RunE: c.run,
	}
	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(browserFlagSet())
	cmd.Flags().DurationVar(&c.timeout, "timeout", 0, "how long to wait for the page, defaults to the page load timeout")
	cmd.Flags().StringArrayVar(&c.eventTypes, "event", nil, "only list listeners of this event type, can be repeated")
	cmd.Flags().StringArrayVar(&c.tagNames, "tag", nil, "only list listeners on this tag, can be repeated")
	cmd.Flags().AddFlagSet(formatFlagSet(&c.format))
	return cmd
}
