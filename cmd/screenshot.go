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
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/instrumented/storage"
)

type cmdScreenshot struct {
	root    *rootCommand
	timeout time.Duration
	output  string
}

func (c *cmdScreenshot) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	path := c.output
	if !filepath.IsAbs(path) {
		cwd, err := c.root.gs.getwd()
		if err != nil {
			return fmt.Errorf("resolving %s: %w", path, err)
		}
		path = filepath.Join(cwd, path)
	}

	b, err := c.root.openBrowser(ctx)
	if err != nil {
		return err
	}
	defer b.Terminate()

	if err := c.root.loadPage(ctx, b, args[0], c.timeout, false); err != nil {
		return err
	}
	data, err := b.CaptureScreenshot(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}

	persister := &storage.FilePersister{Fs: c.root.gs.fs}
	if err := persister.Persist(ctx, path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("saving screenshot: %w", err)
	}
	fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(data), path)
	return nil
}

func getCmdScreenshot(root *rootCommand) *cobra.Command {
	c := &cmdScreenshot{root: root}

	cmd := &cobra.Command{
		Use:     "screenshot URL",
		Short:   "Save a PNG screenshot of a page",
		Example: `  instrumented screenshot -o example.png https://example.com/`,
		Args:    exactArgsWithMsg(1, "arg should be the URL to load"),
		RunE:    c.run,
	}
	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(browserFlagSet())
	cmd.Flags().DurationVar(&c.timeout, "timeout", 0, "how long to wait for the page, defaults to the page load timeout")
	cmd.Flags().StringVarP(&c.output, "output", "o", "", "file the PNG is written to")
	must(cmd.MarkFlagRequired("output"))
	must(cmd.MarkFlagFilename("output", "png"))
	return cmd
}
