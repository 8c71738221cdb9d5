/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
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

package instrumented

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/instrumented/chromium"
	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/lib/types"
)

// Defaults of the options not covered by the common package.
const (
	DefaultHost           = "127.0.0.1"
	DefaultConnectTimeout = 10 * time.Second
)

// Options configures a Chrome controller.
//
//nolint:lll
type Options struct {
	ChromePath null.String `json:"chromePath" envconfig:"INSTRUMENTED_CHROME_PATH"`
	ChromeArgs []string    `json:"chromeArgs" envconfig:"INSTRUMENTED_CHROME_ARGS"`
	Headless   null.Bool   `json:"headless" envconfig:"INSTRUMENTED_HEADLESS"`

	// ProxyHost is the interface the proxy listens on.
	ProxyHost null.String `json:"proxyHost" envconfig:"INSTRUMENTED_PROXY_HOST"`
	// ChromeHost is where the DevTools endpoint is reached.
	ChromeHost null.String `json:"chromeHost" envconfig:"INSTRUMENTED_CHROME_HOST"`

	StartTimeout             types.NullDuration `json:"startTimeout" envconfig:"INSTRUMENTED_START_TIMEOUT"`
	ConnectTimeout           types.NullDuration `json:"connectTimeout" envconfig:"INSTRUMENTED_CONNECT_TIMEOUT"`
	PageLoadTimeout          types.NullDuration `json:"pageLoadTimeout" envconfig:"INSTRUMENTED_PAGE_LOAD_TIMEOUT"`
	NavigationStartedTimeout types.NullDuration `json:"navigationStartedTimeout" envconfig:"INSTRUMENTED_NAVIGATION_STARTED_TIMEOUT"`
	EvaluateTimeout          types.NullDuration `json:"evaluateTimeout" envconfig:"INSTRUMENTED_EVALUATE_TIMEOUT"`

	// PageSize is the number of items fetched per analyzer call.
	PageSize null.Int `json:"pageSize" envconfig:"INSTRUMENTED_PAGE_SIZE"`

	DebuggingID null.String `json:"debuggingID" envconfig:"INSTRUMENTED_DEBUGGING_ID"`

	// ExtraScripts are files whose source is evaluated in every new
	// document after the page analyzer.
	ExtraScripts []string `json:"extraScripts" envconfig:"INSTRUMENTED_EXTRA_SCRIPTS"`
	// CaptureJSErrors collects uncaught page errors in window.errors.
	CaptureJSErrors null.Bool `json:"captureJSErrors" envconfig:"INSTRUMENTED_CAPTURE_JS_ERRORS"`

	LogLevel          null.String `json:"log" envconfig:"INSTRUMENTED_LOG"`
	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"INSTRUMENTED_LOG_CATEGORY_FILTER"`
}

// NewOptions returns the default options.
func NewOptions() Options {
	return Options{
		Headless:                 null.NewBool(true, false),
		ProxyHost:                null.NewString(DefaultHost, false),
		ChromeHost:               null.NewString(DefaultHost, false),
		StartTimeout:             types.NewNullDuration(chromium.DefaultStartTimeout, false),
		ConnectTimeout:           types.NewNullDuration(DefaultConnectTimeout, false),
		PageLoadTimeout:          types.NewNullDuration(common.DefaultPageLoadTimeout, false),
		NavigationStartedTimeout: types.NewNullDuration(common.DefaultNavigationStartedTimeout, false),
		EvaluateTimeout:          types.NewNullDuration(common.DefaultEvaluateTimeout, false),
		PageSize:                 null.NewInt(common.DefaultPageSize, false),
		CaptureJSErrors:          null.NewBool(true, false),
		LogLevel:                 null.NewString("info", false),
	}
}

// Apply saves the set values of opts in the receiver.
//
//nolint:cyclop
func (o Options) Apply(opts Options) Options {
	if opts.ChromePath.Valid && opts.ChromePath.String != "" {
		o.ChromePath = opts.ChromePath
	}
	if opts.ChromeArgs != nil {
		o.ChromeArgs = opts.ChromeArgs
	}
	if opts.Headless.Valid {
		o.Headless = opts.Headless
	}
	if opts.ProxyHost.Valid && opts.ProxyHost.String != "" {
		o.ProxyHost = opts.ProxyHost
	}
	if opts.ChromeHost.Valid && opts.ChromeHost.String != "" {
		o.ChromeHost = opts.ChromeHost
	}
	if opts.StartTimeout.Valid {
		o.StartTimeout = opts.StartTimeout
	}
	if opts.ConnectTimeout.Valid {
		o.ConnectTimeout = opts.ConnectTimeout
	}
	if opts.PageLoadTimeout.Valid {
		o.PageLoadTimeout = opts.PageLoadTimeout
	}
	if opts.NavigationStartedTimeout.Valid {
		o.NavigationStartedTimeout = opts.NavigationStartedTimeout
	}
	if opts.EvaluateTimeout.Valid {
		o.EvaluateTimeout = opts.EvaluateTimeout
	}
	if opts.PageSize.Valid {
		o.PageSize = opts.PageSize
	}
	if opts.DebuggingID.Valid {
		o.DebuggingID = opts.DebuggingID
	}
	if opts.ExtraScripts != nil {
		o.ExtraScripts = opts.ExtraScripts
	}
	if opts.CaptureJSErrors.Valid {
		o.CaptureJSErrors = opts.CaptureJSErrors
	}
	if opts.LogLevel.Valid && opts.LogLevel.String != "" {
		o.LogLevel = opts.LogLevel
	}
	if opts.LogCategoryFilter.Valid {
		o.LogCategoryFilter = opts.LogCategoryFilter
	}
	return o
}

// OptionsFromEnv reads the INSTRUMENTED_* variables of env.
func OptionsFromEnv(env map[string]string) (Options, error) {
	var opts Options
	if err := envconfig.Process("", &opts, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return opts, fmt.Errorf("parsing environment: %w", err)
	}
	return opts, nil
}

// OptionsFromJSON parses a JSON options document.
func OptionsFromJSON(data []byte) (Options, error) {
	var opts Options
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing options: %w", err)
	}
	return opts, nil
}

// ConsolidateOptions layers the defaults, the JSON document (if any) and
// the environment, later sources winning.
func ConsolidateOptions(jsonConf []byte, env map[string]string) (Options, error) {
	result := NewOptions()
	if len(jsonConf) > 0 {
		jsonOpts, err := OptionsFromJSON(jsonConf)
		if err != nil {
			return result, err
		}
		result = result.Apply(jsonOpts)
	}
	envOpts, err := OptionsFromEnv(env)
	if err != nil {
		return result, err
	}
	result = result.Apply(envOpts)

	return result, result.Validate()
}

// Validate rejects values the controller cannot work with.
func (o Options) Validate() error {
	var errs []error
	if o.PageSize.Valid && o.PageSize.Int64 <= 0 {
		errs = append(errs, fmt.Errorf("page size must be positive, got %d", o.PageSize.Int64))
	}
	for _, t := range []struct {
		name string
		d    types.NullDuration
	}{
		{"start timeout", o.StartTimeout},
		{"connect timeout", o.ConnectTimeout},
		{"page load timeout", o.PageLoadTimeout},
		{"navigation started timeout", o.NavigationStartedTimeout},
		{"evaluate timeout", o.EvaluateTimeout},
	} {
		if t.d.Valid && t.d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", t.name, t.d.Duration))
		}
	}
	return errors.Join(errs...)
}

func (o Options) pageSize() int {
	if o.PageSize.Int64 <= 0 {
		return common.DefaultPageSize
	}
	return int(o.PageSize.Int64)
}

func (o Options) launchOptions() chromium.LaunchOptions {
	return chromium.LaunchOptions{
		ExecutablePath: o.ChromePath.String,
		Args:           o.ChromeArgs,
		Headless:       o.Headless.Bool,
		Timeout:        o.StartTimeout.TimeDuration(),
	}
}
