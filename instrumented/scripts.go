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
	"fmt"
	"strings"

	gouuid "github.com/nu7hatch/gouuid"
	"github.com/spf13/afero"

	"github.com/liuxd6825/instrumented/instrumented/js"
)

// initScript returns the source evaluated in every new document: the
// error collector when enabled, the page analyzer, then the extra scripts
// read from fs.
func initScript(fs afero.Fs, opts Options) (string, error) {
	var parts []string
	if opts.CaptureJSErrors.Bool {
		parts = append(parts, js.OnErrorScript)
	}
	parts = append(parts, js.DOMAnalyzerScript)
	for _, path := range opts.ExtraScripts {
		src, err := afero.ReadFile(fs, path)
		if err != nil {
			return "", fmt.Errorf("reading extra script: %w", err)
		}
		parts = append(parts, string(src))
	}
	return strings.Join(parts, "\n\n"), nil
}

// newSessionID returns a short random id naming a browser session.
func newSessionID() string {
	u, err := gouuid.NewV4()
	if err != nil {
		// the id is only used in logs
		return "00000000"
	}
	return u.String()[:8]
}
