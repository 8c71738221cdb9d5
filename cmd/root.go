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

// Package cmd implements the instrumented command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/instrumented/errext"
	"github.com/liuxd6825/instrumented/errext/exitcodes"
	"github.com/liuxd6825/instrumented/instrumented"
	"github.com/liuxd6825/instrumented/log"
	"github.com/liuxd6825/instrumented/version"
)

const waitLoggerTimeout = 5 * time.Second

// rootCommand keeps the state shared by all subcommands.
type rootCommand struct {
	gs  *globalState
	cmd *cobra.Command

	logOutput         string
	logFormat         string
	logLevel          string
	logCategoryFilter string
	configFilePath    string
	noColor           bool
	verbose           bool

	opts          instrumented.Options
	logger        *log.Logger
	loggerStopped <-chan struct{}
	interrupted   atomic.Pointer[os.Signal]
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{
		gs:            gs,
		logger:        log.New(gs.logger, false, nil),
		loggerStopped: closedChan(),
	}
	c.cmd = &cobra.Command{
		Use:               "instrumented",
		Short:             "drive an instrumented Chrome through a recording proxy",
		Version:           version.Long(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.SetVersionTemplate("instrumented {{.Version}}\n")
	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())

	c.cmd.AddCommand(
		getCmdLoad(c),
		getCmdListeners(c),
		getCmdScreenshot(c),
		getCmdDispatch(c),
		getCmdLoginForms(c),
		getCmdVersion(c),
	)
	return c
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	flags.StringVar(&c.logOutput, "log-output", "stderr",
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.StringVar(&c.logFormat, "log-format", "", "log output format, one of text,json,raw")
	flags.StringVar(&c.logLevel, "log-level", "", "log level, overrides INSTRUMENTED_LOG")
	flags.StringVar(&c.logCategoryFilter, "log-category-filter", "",
		"only log the categories matching this regular expression")
	flags.StringVarP(&c.configFilePath, "config", "c", "", "JSON options file")
	must(cobra.MarkFlagFilename(flags, "config"))
	return flags
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	if !cmd.Flags().Changed("log-output") {
		if v, ok := c.gs.envVars["INSTRUMENTED_LOG_OUTPUT"]; ok {
			c.logOutput = v
		}
	}
	if c.noColor {
		c.gs.stdOut.disableColors()
		c.gs.stdErr.disableColors()
	}

	var err error
	if c.loggerStopped, err = c.setupLoggers(); err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	if c.opts, err = c.loadOptions(cmd.Flags()); err != nil {
		return err
	}
	if err := c.setupLevel(cmd.Flags()); err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	if _, ok := c.gs.envVars["INSTRUMENTED_LOG_CALLER"]; ok {
		c.logger.ReportCaller()
	}
	c.logger.Debugf("CLI", "instrumented version: %s", version.Long())
	return nil
}

// setupLoggers configures the output and format of the logs. The returned
// channel is closed once the log output is flushed after the command ends.
func (c *rootCommand) setupLoggers() (<-chan struct{}, error) {
	ch := closedChan()

	switch c.logOutput {
	case "stderr":
		c.gs.logger.SetOutput(c.gs.stdErr)
	case "stdout":
		c.gs.logger.SetOutput(c.gs.stdOut)
	case "none":
		c.gs.logger.SetOutput(io.Discard)
	default:
		if !strings.HasPrefix(c.logOutput, "file") {
			return nil, fmt.Errorf("unsupported log output '%s'", c.logOutput)
		}
		hook, done, err := log.FileHookFromConfigLine(c.gs.ctx, c.gs.fs, c.gs.fallbackLogger, c.logOutput)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		ch = done
		c.gs.logger.AddHook(hook)
		c.gs.logger.SetOutput(io.Discard)
	}

	switch c.logFormat {
	case "raw":
		c.gs.logger.SetFormatter(&RawFormatter{})
	case "json":
		c.gs.logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		c.gs.logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   c.gs.stdErr.IsTTY,
			DisableColors: c.noColor,
		})
	default:
		return nil, fmt.Errorf("unsupported log format '%s'", c.logFormat)
	}
	return ch, nil
}

func (c *rootCommand) setupLevel(flags *pflag.FlagSet) error {
	level := c.opts.LogLevel.String
	if flags.Changed("log-level") {
		level = c.logLevel
	}
	if c.verbose {
		level = logrus.DebugLevel.String()
	}
	if err := c.logger.SetLevel(level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	filter := c.opts.LogCategoryFilter.String
	if flags.Changed("log-category-filter") {
		filter = c.logCategoryFilter
	}
	return c.logger.SetCategoryFilter(filter) //nolint:wrapcheck
}

// execute runs the command line in gs.args and exits with the code of the
// error, if any.
func (c *rootCommand) execute() {
	ctx, cancel := context.WithCancel(c.gs.ctx)
	defer cancel()
	c.gs.ctx = ctx

	sigC := make(chan os.Signal, 2)
	c.gs.signalNotify(sigC, os.Interrupt, syscall.SIGTERM)
	defer c.gs.signalStop(sigC)
	go func() {
		select {
		case sig := <-sigC:
			c.interrupted.Store(&sig)
			c.gs.logger.WithField("sig", sig).Debug("Stopping on signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	c.cmd.SetArgs(c.gs.args[1:])
	c.cmd.SetOut(c.gs.stdOut)
	c.cmd.SetErr(c.gs.stdErr)

	err := c.cmd.ExecuteContext(ctx)
	if sig := c.interrupted.Load(); err != nil && sig != nil {
		err = fmt.Errorf("%w: %w", &errext.InterruptError{Reason: "interrupted by " + (*sig).String()}, err)
	}
	if err == nil {
		cancel()
		c.waitLogger()
		return
	}

	msg, fields := errext.Format(err)
	if errext.IsInterruptError(err) {
		c.gs.logger.WithFields(fields).Warn(msg)
	} else {
		c.gs.logger.WithFields(fields).Error(msg)
	}
	cancel()
	c.waitLogger()

	c.gs.osExit(int(errext.ExitCodeOf(err)))
}

func (c *rootCommand) waitLogger() {
	select {
	case <-c.loggerStopped:
	case <-time.After(waitLoggerTimeout):
		c.gs.fallbackLogger.Errorf("Log output didn't stop in %s", waitLoggerTimeout)
	}
}

// Execute adds all child commands to the root command and runs it.
// This is called by main.main(). It only needs to happen once.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newRootCommand(newGlobalState(ctx)).execute()
}

// RawFormatter does nothing with the message, it just prints it.
type RawFormatter struct{}

// Format renders a single log entry.
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
