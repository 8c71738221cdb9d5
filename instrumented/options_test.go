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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/lib/types"
)

func TestNewOptions(t *testing.T) {
	t.Parallel()

	o := NewOptions()
	assert.True(t, o.Headless.Bool)
	assert.Equal(t, DefaultHost, o.ProxyHost.String)
	assert.Equal(t, DefaultHost, o.ChromeHost.String)
	assert.Equal(t, common.DefaultPageLoadTimeout, o.PageLoadTimeout.TimeDuration())
	assert.Equal(t, common.DefaultNavigationStartedTimeout, o.NavigationStartedTimeout.TimeDuration())
	assert.Equal(t, common.DefaultEvaluateTimeout, o.EvaluateTimeout.TimeDuration())
	assert.Equal(t, DefaultConnectTimeout, o.ConnectTimeout.TimeDuration())
	assert.Equal(t, common.DefaultPageSize, o.pageSize())
	assert.True(t, o.CaptureJSErrors.Bool)
	assert.Equal(t, "info", o.LogLevel.String)
	require.NoError(t, o.Validate())
}

func TestOptionsApply(t *testing.T) {
	t.Parallel()

	o := NewOptions().Apply(Options{
		ChromePath:      null.StringFrom("/opt/chrome"),
		Headless:        null.BoolFrom(false),
		ProxyHost:       null.StringFrom(""),
		PageLoadTimeout: types.NullDurationFrom(3 * time.Second),
		PageSize:        null.IntFrom(50),
	})

	assert.Equal(t, "/opt/chrome", o.ChromePath.String)
	assert.False(t, o.Headless.Bool)
	assert.Equal(t, DefaultHost, o.ProxyHost.String, "empty strings keep the previous value")
	assert.Equal(t, 3*time.Second, o.PageLoadTimeout.TimeDuration())
	assert.Equal(t, 50, o.pageSize())
	assert.Equal(t, common.DefaultEvaluateTimeout, o.EvaluateTimeout.TimeDuration())

	lo := o.launchOptions()
	assert.Equal(t, "/opt/chrome", lo.ExecutablePath)
	assert.False(t, lo.Headless)
}

func TestConsolidateOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		json    string
		env     map[string]string
		assert  func(*testing.T, Options)
		wantErr string
	}{
		{
			name: "defaults",
			assert: func(t *testing.T, o Options) {
				t.Helper()
				assert.Equal(t, NewOptions(), o)
			},
		},
		{
			name: "json",
			json: `{"chromePath":"/usr/bin/chromium","chromeArgs":["--lang=fr"],"pageLoadTimeout":"30s",` +
				`"evaluateTimeout":1500,"pageSize":5,"extraScripts":["a.js"],"log":"debug"}`,
			assert: func(t *testing.T, o Options) {
				t.Helper()
				assert.Equal(t, "/usr/bin/chromium", o.ChromePath.String)
				assert.Equal(t, []string{"--lang=fr"}, o.ChromeArgs)
				assert.Equal(t, 30*time.Second, o.PageLoadTimeout.TimeDuration())
				assert.Equal(t, 1500*time.Millisecond, o.EvaluateTimeout.TimeDuration())
				assert.Equal(t, 5, o.pageSize())
				assert.Equal(t, []string{"a.js"}, o.ExtraScripts)
				assert.Equal(t, "debug", o.LogLevel.String)
			},
		},
		{
			name: "env_overrides_json",
			json: `{"headless":true,"pageSize":5,"debuggingID":"from-json"}`,
			env: map[string]string{
				"INSTRUMENTED_HEADLESS":      "false",
				"INSTRUMENTED_PAGE_SIZE":     "7",
				"INSTRUMENTED_CHROME_ARGS":   "--a,--b",
				"INSTRUMENTED_START_TIMEOUT": "1m",
				"UNRELATED":                  "x",
			},
			assert: func(t *testing.T, o Options) {
				t.Helper()
				assert.False(t, o.Headless.Bool)
				assert.Equal(t, 7, o.pageSize())
				assert.Equal(t, []string{"--a", "--b"}, o.ChromeArgs)
				assert.Equal(t, time.Minute, o.StartTimeout.TimeDuration())
				assert.Equal(t, "from-json", o.DebuggingID.String)
			},
		},
		{
			name:    "invalid_json",
			json:    `{"pageSize":`,
			wantErr: "parsing options",
		},
		{
			name:    "invalid_env",
			env:     map[string]string{"INSTRUMENTED_PAGE_LOAD_TIMEOUT": "soon"},
			wantErr: "parsing environment",
		},
		{
			name:    "invalid_page_size",
			json:    `{"pageSize":0}`,
			wantErr: "page size must be positive, got 0",
		},
		{
			name:    "invalid_timeout",
			env:     map[string]string{"INSTRUMENTED_EVALUATE_TIMEOUT": "-1s"},
			wantErr: "evaluate timeout must be positive, got -1s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			o, err := ConsolidateOptions([]byte(tt.json), tt.env)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.assert(t, o)
		})
	}
}

func TestOptionsValidateJoinsErrors(t *testing.T) {
	t.Parallel()

	o := NewOptions()
	o.PageSize = null.IntFrom(-1)
	o.ConnectTimeout = types.NullDurationFrom(0)
	o.PageLoadTimeout = types.NullDurationFrom(-time.Second)

	err := o.Validate()
	require.Error(t, err)
	assert.Equal(t,
		"page size must be positive, got -1\n"+
			"connect timeout must be positive, got 0s\n"+
			"page load timeout must be positive, got -1s",
		err.Error())
}
