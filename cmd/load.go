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
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/errext"
	"github.com/liuxd6825/instrumented/errext/exitcodes"
	"github.com/liuxd6825/instrumented/log"
)

type historyEntry struct {
	ID    int64  `json:"id" yaml:"id"`
	URL   string `json:"url" yaml:"url"`
	Title string `json:"title" yaml:"title"`
}

type consoleLine struct {
	Type string `json:"type" yaml:"type"`
	Text string `json:"text" yaml:"text"`
}

type memoryUsage struct {
	Private int64 `json:"private" yaml:"private"`
	Shared  int64 `json:"shared" yaml:"shared"`
}

type loadResult struct {
	URL          string         `json:"url" yaml:"url"`
	State        string         `json:"state" yaml:"state"`
	HistoryIndex int64          `json:"history_index" yaml:"history_index"`
	History      []historyEntry `json:"history" yaml:"history"`
	JSErrors     []any          `json:"js_errors,omitempty" yaml:"js_errors,omitempty"`
	Console      []consoleLine  `json:"console,omitempty" yaml:"console,omitempty"`
	Memory       *memoryUsage   `json:"memory,omitempty" yaml:"memory,omitempty"`
	DOM          string         `json:"dom,omitempty" yaml:"dom,omitempty"`
}

type cmdLoad struct {
	root    *rootCommand
	timeout time.Duration
	dom     bool
	format  string
}

func (c *cmdLoad) run(cmd *cobra.Command, args []string) error {
	if err := validateFormat(c.format); err != nil {
		return err
	}
	ctx := cmd.Context()

	b, err := c.root.openBrowser(ctx)
	if err != nil {
		return err
	}
	defer b.Terminate()

	if err := c.root.loadPage(ctx, b, args[0], c.timeout, true); err != nil {
		return err
	}

	res := loadResult{State: b.PageState().String()}
	if res.URL, err = b.URL(ctx); err != nil {
		return errext.WithExitCodeIfNone(fmt.Errorf("reading page URL: %w", err), exitcodes.EvaluationFailed)
	}
	current, entries, err := b.NavigationHistory(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}
	for i, e := range entries {
		if int64(i) == current {
			res.HistoryIndex = e.ID
		}
		res.History = append(res.History, historyEntry{ID: e.ID, URL: e.URL, Title: e.Title})
	}
	if errs, ok := b.JSErrors(ctx); ok {
		res.JSErrors = errs
	}
	cl := c.root.logger.ConsoleLogFormatterSerializer()
	for m := range b.ConsoleMessages() {
		logConsoleMessage(cl, m)
		res.Console = append(res.Console, consoleLine{Type: m.Type, Text: m.Text()})
	}
	if private, shared, ok := b.MemoryUsage(); ok {
		res.Memory = &memoryUsage{Private: private, Shared: shared}
	}
	if c.dom {
		res.DOM, _ = b.DOM(ctx)
	}

	return printResult(cmd.OutOrStdout(), c.format, res, func(w io.Writer) {
		fprintf(w, "url: %s\nstate: %s\n", res.URL, res.State)
		fprintf(w, "history:\n")
		for _, e := range res.History {
			marker := " "
			if e.ID == res.HistoryIndex {
				marker = "*"
			}
			fprintf(w, "%s %d %s\n", marker, e.ID, e.URL)
		}
		for _, e := range res.JSErrors {
			fprintf(w, "js error: %v\n", e)
		}
		for _, l := range res.Console {
			fprintf(w, "console.%s: %s\n", l.Type, l.Text)
		}
		if res.Memory != nil {
			fprintf(w, "memory: %d private, %d shared\n", res.Memory.Private, res.Memory.Shared)
		}
		if res.DOM != "" {
			fprintf(w, "%s\n", res.DOM)
		}
	})
}

func getCmdLoad(root *rootCommand) *cobra.Command {
	c := &cmdLoad{root: root}

	cmd := &cobra.Command{
		Use:   "load URL",
		Short: "Load a page and report where it ended up",
		Long: `Load a page, wait until it is loaded and print the final URL, the page
state, the navigation history, the uncaught JavaScript errors and console
messages, and the memory used by the browser.`,
		Example: `  instrumented load https://example.com/
  instrumented load --dom --format json https://example.com/`,
		Args: exactArgsWithMsg(1, "arg should be the URL to load"),
		RunE: c.run,
	}
	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(browserFlagSet())
	cmd.Flags().DurationVar(&c.timeout, "timeout", 0, "how long to wait for the page, defaults to the page load timeout")
	cmd.Flags().BoolVar(&c.dom, "dom", false, "also print the serialized document")
	cmd.Flags().AddFlagSet(formatFlagSet(&c.format))
	return cmd
}

// logConsoleMessage forwards a console call of the page to the log with its
// arguments serialized as JSON.
func logConsoleMessage(l *log.Logger, m *common.ConsoleMessage) {
	entry := l.Log.WithFields(logrus.Fields{
		"source":  "browser-console-api",
		"objects": m.Args,
	})
	switch m.Type {
	case "log", "info":
		entry.Info()
	case "warning":
		entry.Warn()
	case "error", "assert":
		entry.Error()
	default:
		entry.Debug()
	}
}
