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

	"github.com/liuxd6825/instrumented/errext"
	"github.com/liuxd6825/instrumented/errext/exitcodes"
	"github.com/liuxd6825/instrumented/instrumented"
)

type loginFormResult struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Submit   string `json:"submit,omitempty" yaml:"submit,omitempty"`
	Strategy string `json:"strategy" yaml:"strategy"`
}

type cmdLoginForms struct {
	root    *rootCommand
	timeout time.Duration
	format  string
}

func (c *cmdLoginForms) run(cmd *cobra.Command, args []string) error {
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
	dom, ok := b.DOM(ctx)
	if !ok {
		return errext.WithExitCodeIfNone(instrumented.ErrNoResult, exitcodes.EvaluationFailed)
	}
	forms, err := instrumented.FindLoginForms(dom)
	if err != nil {
		return err //nolint:wrapcheck
	}

	res := make([]loginFormResult, 0, len(forms))
	for _, f := range forms {
		res = append(res, loginFormResult{
			Username: f.UsernameSelector,
			Password: f.PasswordSelector,
			Submit:   f.SubmitSelector,
			Strategy: f.SubmitStrategy,
		})
	}
	return printResult(cmd.OutOrStdout(), c.format, res, func(w io.Writer) {
		if len(forms) == 0 {
			fprintf(w, "no login form found\n")
		}
		for _, f := range forms {
			fprintf(w, "%s (%s)\n", f, f.SubmitStrategy)
		}
	})
}

func getCmdLoginForms(root *rootCommand) *cobra.Command {
	c := &cmdLoginForms{root: root}

	cmd := &cobra.Command{
		Use:     "login-forms URL",
		Short:   "Find the login forms of a page",
		Example: `  instrumented login-forms --format json https://example.com/login`,
		Args:    exactArgsWithMsg(1, "arg should be the URL to load"),
		RunE:    c.run,
	}
	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(browserFlagSet())
	cmd.Flags().DurationVar(&c.timeout, "timeout", 0, "how long to wait for the page, defaults to the page load timeout")
	cmd.Flags().AddFlagSet(formatFlagSet(&c.format))
	return cmd
}
